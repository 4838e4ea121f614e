// Package cluster holds the contracts to the master's external
// collaborators — the coordinator and the backup servers — and the session
// manager that resolves service locators to live sessions. The collaborator
// implementations themselves live outside this module; tests and
// single-node deployments use the in-process versions in this package.
package cluster

import (
	"context"

	"github.com/larchdb/larch/rpc/common"
)

// Coordinator is the master's view of the cluster coordinator: table
// namespace management and tablet-assignment bookkeeping.
type Coordinator interface {
	// CreateTable registers a new table and assigns its tablets to
	// masters. Returns common.StatusNoTableSpace (as a Status error) when
	// the namespace is exhausted.
	CreateTable(ctx context.Context, name string) error

	// OpenTable resolves a table name to its id.
	OpenTable(ctx context.Context, name string) (uint32, error)

	// DropTable removes a table from the namespace. Dropping an unknown
	// table is not an error.
	DropTable(ctx context.Context, name string) error

	// TabletsRecovered tells the coordinator that this master now serves
	// the given tablets after a successful recovery.
	TabletsRecovered(ctx context.Context, masterID uint64, tablets []common.Tablet) error
}

// BackupSession is an open session to one backup server. Sessions are
// obtained from the SessionManager by service locator.
type BackupSession interface {
	// OpenSegment prepares the backup to receive a new segment replica.
	OpenSegment(ctx context.Context, masterID, segmentID uint64) error

	// WriteSegment stores a dirty byte range of a segment replica. closed
	// marks the final write of the segment.
	WriteSegment(ctx context.Context, masterID, segmentID uint64, offset uint32, data []byte, closed bool) error

	// GetRecoveryData returns the stored bytes of one segment of the
	// crashed master, for replay.
	GetRecoveryData(ctx context.Context, masterID, segmentID uint64) ([]byte, error)
}
