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

type ActionPlan struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Origin    string            `gorm:"type:text;not null"`
	Context   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

type PlanStep struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ActionPlanID uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:uq_plan_step_position"`
	Position     int        `gorm:"not null;uniqueIndex:uq_plan_step_position"`
	Step         string     `gorm:"type:text;not null"`
	Status       string     `gorm:"type:text;not null"`
	ActionPlan   ActionPlan `gorm:"foreignKey:ActionPlanID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type ApprovalGate struct {
	ID              uuid.UUID                   `gorm:"type:uuid;primaryKey"`
	ServiceName     string                      `gorm:"type:text;uniqueIndex;not null"`
	Requirement     string                      `gorm:"type:text;not null"`
	ApproverRoles   datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	ValidForMinutes int                         `gorm:"not null"`
	CreatedAt       time.Time                   `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

type Run struct {
	ID                uuid.UUID    `gorm:"type:uuid;primaryKey"`
	Repository        string       `gorm:"type:text;not null;index"`
	BaseBranch        string       `gorm:"type:text;not null"`
	FeatureKey        string       `gorm:"type:text;not null;index"`
	BranchName        string       `gorm:"type:text"`
	Priority          string       `gorm:"type:text;not null"`
	Status            string       `gorm:"type:text;not null;index"`
	Instruction       string       `gorm:"type:text;not null"`
	PullRequestURL    string       `gorm:"type:text"`
	WorkerHostname    string       `gorm:"type:text"`
	JobContainerID    string       `gorm:"type:text"`
	ArtifactRoot      string       `gorm:"type:text"`
	ArchiveURL        string       `gorm:"type:text"`
	ArchiveChecksum   string       `gorm:"type:text"`
	ActionPlanID      *uuid.UUID   `gorm:"type:uuid"`
	ApprovalGateID    *uuid.UUID   `gorm:"type:uuid"`
	ApprovalToken     *string      `gorm:"type:text"`
	ApprovalExpiresAt *time.Time   `gorm:"type:timestamptz"`
	QueuedAt          time.Time    `gorm:"type:timestamptz;not null;default:now()"`
	StartedAt         *time.Time   `gorm:"type:timestamptz"`
	CompletedAt       *time.Time   `gorm:"type:timestamptz"`
	ActionPlan        ActionPlan   `gorm:"foreignKey:ActionPlanID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
	ApprovalGate      ApprovalGate `gorm:"foreignKey:ApprovalGateID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

type TaskAttempt struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	RunID       uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:uq_task_attempt"`
	Phase       string            `gorm:"type:text;not null;uniqueIndex:uq_task_attempt"`
	Attempt     int               `gorm:"not null;uniqueIndex:uq_task_attempt"`
	Status      string            `gorm:"type:text;not null"`
	StartedAt   *time.Time        `gorm:"type:timestamptz"`
	CompletedAt *time.Time        `gorm:"type:timestamptz"`
	Payload     datatypes.JSONMap `gorm:"type:jsonb"`
	Run         Run               `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Artifact struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	RunID         uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:uq_artifact_path"`
	TaskAttemptID *uuid.UUID `gorm:"type:uuid"`
	Type          string     `gorm:"type:text;not null;uniqueIndex:uq_artifact_path"`
	StoragePath   string     `gorm:"type:text;not null;uniqueIndex:uq_artifact_path"`
	Checksum      *string    `gorm:"type:text"`
	SizeBytes     *int64     `gorm:""`
	ExpiresAt     time.Time  `gorm:"type:timestamptz;not null;index"`
	CreatedAt     time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Run           Run        `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type AgentConfiguration struct {
	ID                uuid.UUID         `gorm:"type:uuid;primaryKey"`
	RunID             uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex"`
	Backend           string            `gorm:"type:text;not null"`
	Version           string            `gorm:"type:text;not null"`
	PromptPackVersion *string           `gorm:"type:text"`
	RuntimeEnv        datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt         time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt         time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	Run               Run               `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&ActionPlan{},
		&PlanStep{},
		&ApprovalGate{},
		&Run{},
		&TaskAttempt{},
		&Artifact{},
		&AgentConfiguration{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if err := m.CreateConstraint(&PlanStep{}, "ActionPlan"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&Run{}, "ActionPlan"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&Run{}, "ApprovalGate"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&TaskAttempt{}, "Run"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&Artifact{}, "Run"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&AgentConfiguration{}, "Run"); err != nil {
		return err
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).Migrator().DropTable(
		&AgentConfiguration{},
		&Artifact{},
		&TaskAttempt{},
		&Run{},
		&ApprovalGate{},
		&PlanStep{},
		&ActionPlan{},
	); err != nil {
		return err
	}

	return nil
}
