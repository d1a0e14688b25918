package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

// DUT is one device under test seen by the server. The row is upserted from
// the descriptor each GetUpdate call carries, so LastStage/Components always
// reflect the most recent contact.
type DUT struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	MAC        string            `gorm:"type:text;uniqueIndex;not null"`
	Serial     string            `gorm:"type:text;index"`
	MLBSerial  string            `gorm:"type:text"`
	LastStage  string            `gorm:"type:text"`
	Components datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt  time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (DUT) TableName() string { return "duts" }

type Report struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Serial    string    `gorm:"type:text;index;not null"`
	Stage     string    `gorm:"type:text"`
	Name      string    `gorm:"type:text;not null"`
	Path      string    `gorm:"type:text;not null"`
	SHA256    string    `gorm:"type:text;not null"`
	Size      int64     `gorm:"type:bigint;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Report) TableName() string { return "reports" }

type Event struct {
	ID        int64             `gorm:"type:bigserial;primaryKey"`
	Name      string            `gorm:"type:text;index;not null"`
	Payload   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Event) TableName() string { return "events" }

type Deployment struct {
	ID         int64     `gorm:"type:bigserial;primaryKey"`
	ConfigID   string    `gorm:"type:text;not null"`
	Diff       string    `gorm:"type:text"`
	DeployedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Deployment) TableName() string { return "deployments" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&DUT{},
		&Report{},
		&Event{},
		&Deployment{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Deployment{},
		&Event{},
		&Report{},
		&DUT{},
	)
}
