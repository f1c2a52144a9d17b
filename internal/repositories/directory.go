package repositories

import (
	"context"
	"iter"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Gopher0727/GroupChat/internal/models"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
)

// Directory 枚举所有群组
// 每个节点的每个分区一个协程分页读取, 结果经有界通道汇总; 不做缓存, 每次调用都是全量扫描
type Directory struct {
	groups   *GroupRepository
	pageSize int
	buffer   int
	logger   *logger.Logger
}

func NewDirectory(groups *GroupRepository, pageSize, buffer int, log *logger.Logger) *Directory {
	if pageSize <= 0 {
		pageSize = 50
	}
	if buffer < 0 {
		buffer = 0
	}
	return &Directory{groups: groups, pageSize: pageSize, buffer: buffer, logger: log.Named("directory")}
}

// All 返回惰性序列; 每次 range 都会重新扫描
// 调用方提前退出时所有分区协程随之取消
func (d *Directory) All(ctx context.Context) iter.Seq2[models.GroupSummary, error] {
	return func(yield func(models.GroupSummary, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		out := make(chan models.GroupSummary, d.buffer)
		g, gctx := errgroup.WithContext(ctx)
		partitions := len(d.groups.Host().Partitions())
		for _, node := range d.groups.Nodes() {
			for i := range partitions {
				g.Go(func() error {
					return d.scan(gctx, node, i, out)
				})
			}
		}

		errc := make(chan error, 1)
		go func() {
			errc <- g.Wait()
			close(out)
		}()

		for sum := range out {
			if !yield(sum, nil) {
				cancel()
				for range out {
				}
				<-errc
				return
			}
		}
		if err := <-errc; err != nil {
			d.logger.WarnContext(ctx, "directory scan failed", zap.Error(err))
			yield(models.GroupSummary{}, err)
		}
	}
}

func (d *Directory) scan(ctx context.Context, node string, partition int, out chan<- models.GroupSummary) error {
	token := ""
	for {
		page, err := d.groups.Page(ctx, node, partition, token, d.pageSize)
		if err != nil {
			return err
		}
		for _, sum := range page.Groups {
			select {
			case out <- sum:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if page.Next == "" {
			return nil
		}
		token = page.Next
	}
}

// Collect 读取完整目录
func (d *Directory) Collect(ctx context.Context) ([]models.GroupSummary, error) {
	var all []models.GroupSummary
	for sum, err := range d.All(ctx) {
		if err != nil {
			return nil, err
		}
		all = append(all, sum)
	}
	return all, nil
}
