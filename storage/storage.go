package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"board-sync/domain"
	"board-sync/position"
)

// Store provides access to boards, columns and cards.
type Store struct {
	db *gorm.DB
	// locking and serializable are only honoured by PostgreSQL.
	locking      bool
	serializable bool
}

// Open connects to PostgreSQL using dsn.
func Open(dsn string, maxOpenConns int) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if maxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(maxOpenConns)
		sqlDB.SetMaxIdleConns(maxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return New(db), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *Store {
	pg := db.Dialector.Name() == "postgres"
	return &Store{db: db, locking: pg, serializable: pg}
}

// DB exposes the underlying handle for components sharing the connection.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Migrate creates or updates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&domain.Board{}, &domain.Column{}, &domain.Card{}, &domain.Member{})
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// InTx runs fn inside a transaction. Serialization failures and deadlocks are
// reported as domain.ErrPositionConflict so the engine replays the attempt.
func (s *Store) InTx(ctx context.Context, fn func(tx position.Tx) error) error {
	var opts []*sql.TxOptions
	if s.serializable {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&tx{db: db, locking: s.locking})
	}, opts...)
	return translateTxError(err)
}

func translateTxError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", domain.ErrPositionConflict, pgErr.Message)
		}
	}
	return err
}

type tx struct {
	db      *gorm.DB
	locking bool
}

func (t *tx) Locate(ctx context.Context, ref domain.ItemRef) (domain.OrderedItem, error) {
	db := t.db.WithContext(ctx)
	switch ref.Kind {
	case domain.KindCard:
		var c domain.Card
		if err := db.Select("id", "column_id", "position").Where("id = ?", ref.ID).Take(&c).Error; err != nil {
			return domain.OrderedItem{}, notFound(err, domain.ErrItemNotFound)
		}
		return domain.OrderedItem{Kind: ref.Kind, ID: c.ID, ContainerID: c.ColumnID, Position: c.Position}, nil
	case domain.KindColumn:
		var c domain.Column
		if err := db.Select("id", "board_id", "position").Where("id = ?", ref.ID).Take(&c).Error; err != nil {
			return domain.OrderedItem{}, notFound(err, domain.ErrItemNotFound)
		}
		return domain.OrderedItem{Kind: ref.Kind, ID: c.ID, ContainerID: c.BoardID, Position: c.Position}, nil
	}
	return domain.OrderedItem{}, fmt.Errorf("locate: unknown kind %q", ref.Kind)
}

func (t *tx) Lock(ctx context.Context, ct domain.ContainerType, ids ...string) error {
	for _, id := range ids {
		q := t.db.WithContext(ctx).Select("id").Where("id = ?", id)
		if t.locking {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var err error
		switch ct {
		case domain.ContainerColumn:
			err = q.Take(&domain.Column{}).Error
		case domain.ContainerBoard:
			err = q.Take(&domain.Board{}).Error
		default:
			return fmt.Errorf("lock: unknown container type %q", ct)
		}
		if err != nil {
			return notFound(err, domain.ErrContainerNotFound)
		}
	}
	return nil
}

func (t *tx) Items(ctx context.Context, kind domain.ItemKind, containerID string) ([]domain.OrderedItem, error) {
	db := t.db.WithContext(ctx)
	switch kind {
	case domain.KindCard:
		var rows []domain.Card
		err := db.Select("id", "column_id", "position").
			Where("column_id = ?", containerID).
			Order("position, created_at, id").
			Find(&rows).Error
		if err != nil {
			return nil, err
		}
		out := make([]domain.OrderedItem, len(rows))
		for i, r := range rows {
			out[i] = domain.OrderedItem{Kind: kind, ID: r.ID, ContainerID: r.ColumnID, Position: r.Position}
		}
		return out, nil
	case domain.KindColumn:
		var rows []domain.Column
		err := db.Select("id", "board_id", "position").
			Where("board_id = ?", containerID).
			Order("position, created_at, id").
			Find(&rows).Error
		if err != nil {
			return nil, err
		}
		out := make([]domain.OrderedItem, len(rows))
		for i, r := range rows {
			out[i] = domain.OrderedItem{Kind: kind, ID: r.ID, ContainerID: r.BoardID, Position: r.Position}
		}
		return out, nil
	}
	return nil, fmt.Errorf("items: unknown kind %q", kind)
}

func (t *tx) Save(ctx context.Context, kind domain.ItemKind, items []domain.OrderedItem) error {
	now := time.Now().UTC()
	for _, it := range items {
		var q *gorm.DB
		switch kind {
		case domain.KindCard:
			q = t.db.WithContext(ctx).Model(&domain.Card{}).Where("id = ?", it.ID).
				Updates(map[string]any{"column_id": it.ContainerID, "position": it.Position, "updated_at": now})
		case domain.KindColumn:
			q = t.db.WithContext(ctx).Model(&domain.Column{}).Where("id = ?", it.ID).
				Updates(map[string]any{"board_id": it.ContainerID, "position": it.Position, "updated_at": now})
		default:
			return fmt.Errorf("save: unknown kind %q", kind)
		}
		if q.Error != nil {
			return q.Error
		}
		if q.RowsAffected == 0 {
			return domain.ErrPositionConflict
		}
	}
	return nil
}

func (t *tx) Create(ctx context.Context, p domain.Placeable) error {
	return t.db.WithContext(ctx).Create(p).Error
}

func (t *tx) Delete(ctx context.Context, ref domain.ItemRef) error {
	db := t.db.WithContext(ctx)
	switch ref.Kind {
	case domain.KindCard:
		return db.Delete(&domain.Card{}, "id = ?", ref.ID).Error
	case domain.KindColumn:
		if err := db.Delete(&domain.Card{}, "column_id = ?", ref.ID).Error; err != nil {
			return err
		}
		return db.Delete(&domain.Column{}, "id = ?", ref.ID).Error
	}
	return fmt.Errorf("delete: unknown kind %q", ref.Kind)
}

func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

// CreateBoard inserts a board row.
func (s *Store) CreateBoard(ctx context.Context, b *domain.Board) error {
	return s.db.WithContext(ctx).Create(b).Error
}

// Column returns the column with id, or nil when it does not exist.
func (s *Store) Column(ctx context.Context, id string) (*domain.Column, error) {
	var c domain.Column
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// Card returns the card with id, or nil when it does not exist.
func (s *Store) Card(ctx context.Context, id string) (*domain.Card, error) {
	var c domain.Card
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// Columns lists a board's columns in display order.
func (s *Store) Columns(ctx context.Context, boardID string) ([]domain.Column, error) {
	cols := []domain.Column{}
	err := s.db.WithContext(ctx).Where("board_id = ?", boardID).Order("position, created_at, id").Find(&cols).Error
	return cols, err
}

// Cards lists a column's cards in display order.
func (s *Store) Cards(ctx context.Context, columnID string) ([]domain.Card, error) {
	cards := []domain.Card{}
	err := s.db.WithContext(ctx).Where("column_id = ?", columnID).Order("position, created_at, id").Find(&cards).Error
	return cards, err
}
