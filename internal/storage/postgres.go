package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	logx "smsgateway/pkg/logx"
)

type smsModel struct {
	ID             int64 `gorm:"primaryKey;autoIncrement:false"`
	RequestStatus  int   `gorm:"not null;default:-1;index"`
	Number         string
	Message        string
	Reference      *int
	Status         *int
	TimeSent       *time.Time
	TimeFinalized  *time.Time
	DeliveryStatus *int
	UpdatedAt      time.Time
}

func (smsModel) TableName() string { return "sms" }

type settingModel struct {
	Setting string `gorm:"primaryKey"`
	Value   string `gorm:"not null"`
}

func (settingModel) TableName() string { return "settings" }

type postgresStore struct {
	db  *gorm.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.Path)
	if dsn == "" {
		return nil, errors.New("storage.path (postgres dsn) is required for postgres driver")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&smsModel{}, &settingModel{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *postgresStore) UpsertMessage(ctx context.Context, p MessagePatch) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row smsModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", p.ID).First(&row).Error
		var m Message
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			m = p.NewMessage()
		case err != nil:
			return err
		default:
			m = row.toMessage()
			p.Apply(&m)
		}
		m.UpdatedAt = nowUTC()
		out := smsModelFromMessage(m)
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&out).Error
	})
}

func (s *postgresStore) FindMessage(ctx context.Context, id int64) (Message, bool, error) {
	var row smsModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	return row.toMessage(), true, nil
}

func (s *postgresStore) ListMessages(ctx context.Context, f MessageFilter) ([]Message, error) {
	tx := s.db.WithContext(ctx).Model(&smsModel{})
	if f.Status != nil {
		tx = tx.Where("request_status = ?", *f.Status)
	}
	tx = tx.Order("id DESC")
	if f.Limit > 0 {
		tx = tx.Limit(f.Limit)
	}
	var rows []smsModel
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toMessage())
	}
	return out, nil
}

func (s *postgresStore) MaxMessageID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.WithContext(ctx).Model(&smsModel{}).Select("COALESCE(MAX(id), 0)").Scan(&id).Error
	return id, err
}

func (s *postgresStore) UpsertSetting(ctx context.Context, st Setting) error {
	row := settingModel{Setting: st.Key, Value: st.Value}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "setting"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&row).Error
}

func (s *postgresStore) FindSetting(ctx context.Context, key string) (Setting, bool, error) {
	var row settingModel
	err := s.db.WithContext(ctx).Where("setting = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Setting{}, false, nil
	}
	if err != nil {
		return Setting{}, false, err
	}
	return Setting{Key: row.Setting, Value: row.Value}, true, nil
}

func (s *postgresStore) ListSettings(ctx context.Context) ([]Setting, error) {
	var rows []settingModel
	if err := s.db.WithContext(ctx).Order("setting").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Setting, 0, len(rows))
	for _, r := range rows {
		out = append(out, Setting{Key: r.Setting, Value: r.Value})
	}
	return out, nil
}

func (r smsModel) toMessage() Message {
	return Message{
		ID:             r.ID,
		RequestStatus:  r.RequestStatus,
		Number:         r.Number,
		Text:           r.Message,
		Reference:      r.Reference,
		ReportStatus:   r.Status,
		TimeSent:       r.TimeSent,
		TimeFinalized:  r.TimeFinalized,
		DeliveryStatus: r.DeliveryStatus,
		UpdatedAt:      r.UpdatedAt,
	}
}

func smsModelFromMessage(m Message) smsModel {
	return smsModel{
		ID:             m.ID,
		RequestStatus:  m.RequestStatus,
		Number:         m.Number,
		Message:        m.Text,
		Reference:      m.Reference,
		Status:         m.ReportStatus,
		TimeSent:       m.TimeSent,
		TimeFinalized:  m.TimeFinalized,
		DeliveryStatus: m.DeliveryStatus,
		UpdatedAt:      m.UpdatedAt,
	}
}
