package repositories

import (
	"testing"

	"github.com/Gopher0727/GroupChat/config"
	"github.com/Gopher0727/GroupChat/internal/actor"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
)

func testOptions() actor.Options {
	return actor.Options{Partitions: 4, Replicas: 16, MailboxSize: 8}
}

func newTestRepos(t *testing.T, store actor.StateStore) (*GroupRepository, *UserRepository) {
	t.Helper()
	cfg := config.Default()
	groups := NewGroupRepository(store, testOptions(), &cfg.Group, logger.NewNop())
	users := NewUserRepository(store, testOptions(), logger.NewNop())
	t.Cleanup(func() {
		groups.Host().Stop()
		users.Host().Stop()
	})
	return groups, users
}
