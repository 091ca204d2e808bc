package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// routeModel is the persisted form of a RouteEntry.
type routeModel struct {
	Destination string `gorm:"primaryKey;size:16"`
	Path        string `gorm:"primaryKey;size:80"`
	Channel     uint8  `gorm:"primaryKey"`

	LossEWMA  float64
	RetryEWMA float64
	RTTNanos  int64

	ChunkSize int
	Window    int
	Streak    int
	Override  bool

	UpdatedAt time.Time
}

func (routeModel) TableName() string { return "routes" }

// queueModel is the persisted form of a QueuedMessage.
type queueModel struct {
	ID          string `gorm:"primaryKey;size:36"`
	Destination string `gorm:"index;size:16"`
	Path        string `gorm:"size:80"`
	Channel     uint8
	Priority    int
	State       string `gorm:"index;size:10"`
	Payload     []byte
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (queueModel) TableName() string { return "outbound_queue" }

// SQLite is a file-backed RouteStore and QueueStore on the pure Go
// SQLite driver, so the binary stays cgo-free.
type SQLite struct {
	db  *gorm.DB
	log *logrus.Entry
}

// OpenSQLite opens (creating if needed) the database at path and
// migrates the schema.
func OpenSQLite(path string, log *logrus.Logger) (*SQLite, error) {
	if log == nil {
		log = logrus.New()
	}

	gormLog := logger.New(log, logger.Config{
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})

	dialector := sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, errors.Wrap(err, "store: open database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "store: underlying connection")
	}
	if err := configureSQLite(sqlDB); err != nil {
		return nil, errors.Wrap(err, "store: pragma setup")
	}

	if err := db.AutoMigrate(&routeModel{}, &queueModel{}); err != nil {
		return nil, errors.Wrap(err, "store: migrate schema")
	}

	log.WithField("component", "store").WithField("path", path).Info("database opened")
	return &SQLite{
		db:  db,
		log: log.WithField("component", "store"),
	}, nil
}

func configureSQLite(sqlDB *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=10000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=memory",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database connection.
func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health pings the underlying connection.
func (s *SQLite) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (s *SQLite) Get(key RouteKey) (RouteEntry, bool, error) {
	var m routeModel
	err := s.db.Where("destination = ? AND path = ? AND channel = ?",
		key.Destination, key.Path, key.Channel).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RouteEntry{}, false, nil
	}
	if err != nil {
		return RouteEntry{}, false, errors.Wrap(err, "store: route lookup")
	}
	return RouteEntry{
		LossEWMA:  m.LossEWMA,
		RetryEWMA: m.RetryEWMA,
		RTT:       time.Duration(m.RTTNanos),
		ChunkSize: m.ChunkSize,
		Window:    m.Window,
		Streak:    m.Streak,
		Override:  m.Override,
		UpdatedAt: m.UpdatedAt,
	}, true, nil
}

func (s *SQLite) Put(key RouteKey, entry RouteEntry) error {
	m := routeModel{
		Destination: key.Destination,
		Path:        key.Path,
		Channel:     key.Channel,
		LossEWMA:    entry.LossEWMA,
		RetryEWMA:   entry.RetryEWMA,
		RTTNanos:    int64(entry.RTT),
		ChunkSize:   entry.ChunkSize,
		Window:      entry.Window,
		Streak:      entry.Streak,
		Override:    entry.Override,
		UpdatedAt:   time.Now(),
	}
	return errors.Wrap(s.db.Save(&m).Error, "store: route save")
}

func (s *SQLite) ClearRoute(key RouteKey) error {
	err := s.db.Where("destination = ? AND path = ? AND channel = ?",
		key.Destination, key.Path, key.Channel).Delete(&routeModel{}).Error
	return errors.Wrap(err, "store: route clear")
}

func (s *SQLite) ClearAll() error {
	err := s.db.Where("1 = 1").Delete(&routeModel{}).Error
	return errors.Wrap(err, "store: route clear all")
}

func (s *SQLite) Enqueue(msg *QueuedMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.State = StateQueued
	now := time.Now()
	msg.CreatedAt, msg.UpdatedAt = now, now

	m := queueModel{
		ID:          msg.ID,
		Destination: msg.Destination,
		Path:        msg.Path,
		Channel:     msg.Channel,
		Priority:    msg.Priority,
		State:       string(msg.State),
		Payload:     msg.Payload,
		CreatedAt:   msg.CreatedAt,
		UpdatedAt:   msg.UpdatedAt,
	}
	return errors.Wrap(s.db.Create(&m).Error, "store: enqueue")
}

func (s *SQLite) Dequeue(destination string) (*QueuedMessage, error) {
	var out *QueuedMessage
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var m queueModel
		err := tx.Where("destination = ? AND state = ?", destination, string(StateQueued)).
			Order("created_at ASC").
			First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.Wrapf(ErrNotFound, "destination=%s", destination)
		}
		if err != nil {
			return err
		}

		m.State = string(StateSending)
		m.UpdatedAt = time.Now()
		if err := tx.Save(&m).Error; err != nil {
			return err
		}
		out = modelToMessage(&m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLite) MarkState(id string, state MessageState) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var m queueModel
		err := tx.Where("id = ?", id).First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.Wrapf(ErrNotFound, "id=%s", id)
		}
		if err != nil {
			return err
		}

		from := MessageState(m.State)
		if !from.CanTransition(state) {
			return errors.Wrapf(ErrBadTransition, "%s -> %s", from, state)
		}

		m.State = string(state)
		m.UpdatedAt = time.Now()
		if state == StateRetrying {
			m.Attempts++
		}
		return tx.Save(&m).Error
	})
}

func (s *SQLite) Lookup(id string) (*QueuedMessage, error) {
	var m queueModel
	err := s.db.Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "id=%s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: lookup")
	}
	return modelToMessage(&m), nil
}

func (s *SQLite) PendingCount(destination string) (int, error) {
	var count int64
	err := s.db.Model(&queueModel{}).
		Where("destination = ? AND state IN ?", destination,
			[]string{string(StateQueued), string(StateRetrying)}).
		Count(&count).Error
	return int(count), errors.Wrap(err, "store: pending count")
}

func modelToMessage(m *queueModel) *QueuedMessage {
	return &QueuedMessage{
		ID:          m.ID,
		Destination: m.Destination,
		Path:        m.Path,
		Channel:     m.Channel,
		Priority:    m.Priority,
		State:       MessageState(m.State),
		Payload:     m.Payload,
		Attempts:    m.Attempts,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}
