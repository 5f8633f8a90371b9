package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/songzhibin97/approval-engine/types"
)

// DatabaseOptions configures a SQL backend.
type DatabaseOptions struct {
	Driver                 string `yaml:"driver"` // "postgres" or "sqlite"
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	Username               string `yaml:"username"`
	Password               string `yaml:"password"`
	Name                   string `yaml:"name"`
	SSLMode                string `yaml:"ssl_mode"`
	Path                   string `yaml:"path"` // sqlite file
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxConnLifetimeSeconds int    `yaml:"max_conn_lifetime_seconds"`
	LogQueries             bool   `yaml:"log_queries"`
}

// DSN returns the postgres connection string.
func (o DatabaseOptions) DSN() string {
	dsn := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(o.Username, o.Password),
		Host:   fmt.Sprintf("%s:%d", o.Host, o.Port),
		Path:   o.Name,
	}
	query := dsn.Query()
	query.Add("sslmode", o.SSLMode)
	dsn.RawQuery = query.Encode()
	return dsn.String()
}

// OpenGorm opens and pings a database for the configured driver.
func OpenGorm(opts DatabaseOptions) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch opts.Driver {
	case "postgres":
		dialector = postgres.Open(opts.DSN())
	case "sqlite":
		if opts.Path == "" {
			return nil, errors.New("sqlite path is required")
		}
		dialector = sqlite.Open(opts.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	gormLogger := logger.Default.LogMode(logger.Silent)
	if opts.LogQueries {
		gormLogger = logger.Default.LogMode(logger.Info)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying database: %w", err)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxConnLifetimeSeconds > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(opts.MaxConnLifetimeSeconds) * time.Second)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("database connection established",
		"driver", opts.Driver,
		"host", opts.Host,
		"database", opts.Name,
	)
	return db, nil
}

// GormStorage is a SQL implementation of the Storage interface.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage migrates the schema and returns a storage over db.
func NewGormStorage(db *gorm.DB) (*GormStorage, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	if err := db.AutoMigrate(
		&types.WorkflowDefinition{},
		&types.WorkflowInstance{},
		&types.WorkflowTask{},
		&types.WorkflowApproval{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &GormStorage{db: db}, nil
}

func notFound(err error, sentinel error, id interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: id=%v", sentinel, id)
	}
	return err
}

// SaveDefinition upserts a definition.
func (s *GormStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return s.db.WithContext(ctx).Save(&def).Error
}

// GetDefinition retrieves a definition by code and version.
func (s *GormStorage) GetDefinition(ctx context.Context, code string, version int) (types.WorkflowDefinition, error) {
	var def types.WorkflowDefinition
	err := s.db.WithContext(ctx).Where("code = ? AND version = ?", code, version).First(&def).Error
	if err != nil {
		return types.WorkflowDefinition{}, notFound(err, ErrDefinitionNotFound, fmt.Sprintf("%s@%d", code, version))
	}
	return def, nil
}

// GetInstance retrieves a workflow instance by ID.
func (s *GormStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	var inst types.WorkflowInstance
	if err := s.db.WithContext(ctx).First(&inst, id).Error; err != nil {
		return types.WorkflowInstance{}, notFound(err, ErrInstanceNotFound, id)
	}
	return inst, nil
}

// GetTask retrieves a task by ID.
func (s *GormStorage) GetTask(ctx context.Context, id uint64) (types.WorkflowTask, error) {
	var task types.WorkflowTask
	if err := s.db.WithContext(ctx).First(&task, id).Error; err != nil {
		return types.WorkflowTask{}, notFound(err, ErrTaskNotFound, id)
	}
	return task, nil
}

// ListTasks returns the tasks of an instance ordered by ID.
func (s *GormStorage) ListTasks(ctx context.Context, instanceID uint64) ([]types.WorkflowTask, error) {
	var tasks []types.WorkflowTask
	err := s.db.WithContext(ctx).Where("instance_id = ?", instanceID).Order("id").Find(&tasks).Error
	return tasks, err
}

// ListApprovals returns the approval log of an instance. Entry ids are
// time-ordered, so ordering by id keeps append order.
func (s *GormStorage) ListApprovals(ctx context.Context, instanceID uint64) ([]types.WorkflowApproval, error) {
	var approvals []types.WorkflowApproval
	err := s.db.WithContext(ctx).Where("instance_id = ?", instanceID).Order("created_at, id").Find(&approvals).Error
	return approvals, err
}

// ListPendingTasks returns pending tasks assigned to assignee.
func (s *GormStorage) ListPendingTasks(ctx context.Context, assignee string) ([]types.WorkflowTask, error) {
	var tasks []types.WorkflowTask
	err := s.db.WithContext(ctx).
		Where("assignee = ? AND status = ?", assignee, types.TaskPending).
		Order("id").
		Find(&tasks).Error
	return tasks, err
}

// Commit applies cs in one database transaction. The instance update is
// guarded by its version column.
func (s *GormStorage) Commit(ctx context.Context, cs ChangeSet) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if inst := cs.Instance; inst != nil {
			if inst.Version == 1 {
				if err := tx.Create(inst).Error; err != nil {
					return fmt.Errorf("failed to create instance %d: %w", inst.ID, err)
				}
			} else {
				res := tx.Model(inst).
					Where("version = ?", expectedStoredVersion(inst)).
					Select("*").
					Updates(inst)
				if res.Error != nil {
					return fmt.Errorf("failed to update instance %d: %w", inst.ID, res.Error)
				}
				if res.RowsAffected == 0 {
					return fmt.Errorf("%w: instance %d expected at version %d",
						ErrVersionConflict, inst.ID, expectedStoredVersion(inst))
				}
			}
		}
		for i := range cs.Tasks {
			if err := tx.Save(&cs.Tasks[i]).Error; err != nil {
				return fmt.Errorf("failed to save task %d: %w", cs.Tasks[i].ID, err)
			}
		}
		if len(cs.Approvals) > 0 {
			if err := tx.Create(&cs.Approvals).Error; err != nil {
				return fmt.Errorf("failed to append approvals: %w", err)
			}
		}
		return nil
	})
}

// Close closes the underlying connection pool.
func (s *GormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying database: %w", err)
	}
	return sqlDB.Close()
}
