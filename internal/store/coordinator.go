package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	// DefaultPageSize bounds a single scanned page.
	DefaultPageSize = 500
	// MaxBatchOps bounds a single batched commit.
	MaxBatchOps = 500
)

// ErrConflict marks a write that lost against a concurrent transaction.
// Callers surface it whole; no retries happen at this layer.
var ErrConflict = errors.New("store: write conflict")

// Pageable is implemented by entities that can act as a page cursor,
// exposing their stable sort key and id.
type Pageable interface {
	PageCursor() (time.Time, string)
}

// Clause is one WHERE fragment of a paginated scan.
type Clause struct {
	Expr string
	Args []any
}

// Where builds a filter clause.
func Where(expr string, args ...any) Clause {
	return Clause{Expr: expr, Args: args}
}

// PageQuery describes a cursor-paginated scan. Records are visited in
// (OrderKey, id) ascending order, which keeps resumption after a partial
// failure deterministic.
type PageQuery struct {
	Where    []Clause
	OrderKey string // timestamp column, defaults to ended_at
	PageSize int
}

type cursor struct {
	key time.Time
	id  string
}

// ScanPages streams matching records page by page. Scanning stops when a
// page comes back smaller than the page size, or when visit returns an
// error. Mutations committed for earlier pages stay applied; pages are not
// atomic with respect to each other.
func ScanPages[T any, PT interface {
	Pageable
	*T
}](db *gorm.DB, q PageQuery, visit func(page []*T) error) error {
	size := q.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	key := q.OrderKey
	if key == "" {
		key = "ended_at"
	}

	var after *cursor
	for {
		tx := db.Model(new(T)).Order(fmt.Sprintf("%s ASC, id ASC", key)).Limit(size)
		for _, c := range q.Where {
			tx = tx.Where(c.Expr, c.Args...)
		}
		if after != nil {
			tx = tx.Where(fmt.Sprintf("(%s, id) > (?, ?)", key), after.key, after.id)
		}

		var page []*T
		if err := tx.Find(&page).Error; err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := visit(page); err != nil {
			return err
		}
		if len(page) < size {
			return nil
		}
		k, id := PT(page[len(page)-1]).PageCursor()
		after = &cursor{key: k, id: id}
	}
}

// MutationKind selects the operation applied by a Mutation.
type MutationKind int

const (
	MutationCreate MutationKind = iota
	MutationUpdate
	MutationDelete
)

// Mutation is one declarative create/update/delete operation against the
// store, independent of any particular driver's transaction mechanism.
type Mutation struct {
	Kind    MutationKind
	Record  any            // model value with its primary key set
	Updates map[string]any // MutationUpdate only
}

// Create schedules an insert of record.
func Create(record any) Mutation {
	return Mutation{Kind: MutationCreate, Record: record}
}

// Update schedules a partial update of the record identified by record's
// primary key.
func Update(record any, updates map[string]any) Mutation {
	return Mutation{Kind: MutationUpdate, Record: record, Updates: updates}
}

// Delete schedules a delete of the record identified by record's primary key.
func Delete(record any) Mutation {
	return Mutation{Kind: MutationDelete, Record: record}
}

// CommitBatch applies up to MaxBatchOps mutations as one atomic write.
// It is scoped to a single page of work; callers chunk larger sets.
func CommitBatch(db *gorm.DB, muts []Mutation) error {
	if len(muts) > MaxBatchOps {
		return fmt.Errorf("store: batch of %d exceeds %d operations", len(muts), MaxBatchOps)
	}
	return apply(db, muts)
}

// RunTransaction applies an arbitrary multi-record group, possibly spanning
// tables, as a single all-or-nothing unit. Conflicts are reported as
// ErrConflict.
func RunTransaction(db *gorm.DB, muts []Mutation) error {
	if err := apply(db, muts); err != nil {
		if isConflict(err) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	}
	return nil
}

func apply(db *gorm.DB, muts []Mutation) error {
	return db.Transaction(func(tx *gorm.DB) error {
		for _, m := range muts {
			var err error
			switch m.Kind {
			case MutationCreate:
				err = tx.Create(m.Record).Error
			case MutationUpdate:
				err = tx.Model(m.Record).Updates(m.Updates).Error
			case MutationDelete:
				err = tx.Delete(m.Record).Error
			default:
				err = fmt.Errorf("store: unknown mutation kind %d", m.Kind)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected, unique_violation
		return pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "23505"
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
