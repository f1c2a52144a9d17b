package snowflake

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

const (
	// Epoch 自定义纪元 2024-01-01 00:00:00 UTC, 毫秒
	Epoch int64 = 1704067200000

	workerIDBits uint8 = 10
	sequenceBits uint8 = 12

	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits

	MaxWorkerID  int64 = -1 ^ (-1 << workerIDBits)
	sequenceMask int64 = -1 ^ (-1 << sequenceBits)
)

var (
	ErrInvalidWorkerID     = errors.New("worker ID exceeds maximum value")
	ErrClockMovedBackwards = errors.New("clock moved backwards")
)

// Generator 生成节点内唯一、大致按时间递增的 ID, 用作 WebSocket 连接标识
type Generator struct {
	mu            sync.Mutex
	workerID      int64
	sequence      int64
	lastTimestamp int64
	now           func() int64
}

func NewGenerator(workerID int64) (*Generator, error) {
	if workerID < 0 || workerID > MaxWorkerID {
		return nil, ErrInvalidWorkerID
	}
	return &Generator{
		workerID: workerID,
		now:      func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// NextID 生成下一个 ID, 同一毫秒内序列号耗尽时等待下一毫秒
func (g *Generator) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	timestamp := g.now()
	if timestamp < g.lastTimestamp {
		return 0, ErrClockMovedBackwards
	}

	if timestamp == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			for timestamp <= g.lastTimestamp {
				timestamp = g.now()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTimestamp = timestamp

	id := ((timestamp - Epoch) << timestampShift) |
		(g.workerID << workerIDShift) |
		g.sequence
	return id, nil
}

// NextString 以十进制字符串返回下一个 ID
func (g *Generator) NextString() (string, error) {
	id, err := g.NextID()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

// Parse 拆解 ID 的各组成部分
func Parse(id int64) (timestamp, workerID, sequence int64) {
	sequence = id & sequenceMask
	workerID = (id >> workerIDShift) & MaxWorkerID
	timestamp = (id >> timestampShift) + Epoch
	return
}
