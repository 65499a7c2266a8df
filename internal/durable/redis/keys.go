package redis

import (
	"slices"

	"github.com/ahrav/go-parley/internal/domain"
	"github.com/ahrav/go-parley/internal/durable"
)

const defaultPrefix = "parley:"

// keyspace builds every key the store touches from one prefix.
type keyspace struct {
	prefix string
}

// session returns the hash key of a record: parley:session:{id}.
func (k keyspace) session(id string) string { return k.sessionPrefix() + id }

func (k keyspace) sessionPrefix() string { return k.prefix + "session:" }

// active is the set of pending record ids.
func (k keyspace) active() string { return k.prefix + "active" }

// index points at the pending record of a user for a workflow type:
// parley:active:{user}:{type}.
func (k keyspace) index(userID string, t domain.WorkflowType) string {
	return k.indexPrefix() + userID + ":" + string(t)
}

func (k keyspace) indexPrefix() string { return k.prefix + "active:" }

func sortRecords(recs []durable.Record) {
	slices.SortFunc(recs, func(a, b durable.Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
