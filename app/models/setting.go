package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// Refund policies for partially delivered orders.
const (
	RefundPolicyProportional = "proportional"
	RefundPolicyFullOnly     = "full_only"
)

// Setting represents a system setting
type Setting struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Key       string    `gorm:"column:setting_key;size:255;not null;uniqueIndex" json:"key" validate:"required,min=1,max=255"`
	Value     string    `gorm:"type:text" json:"value"`
	Type      string    `gorm:"size:50;not null" json:"type" validate:"required"` // string, boolean, integer
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppSettings holds the engine knobs editable at runtime.
type AppSettings struct {
	SiteTitle                  string   `json:"site_title" validate:"required,min=1,max=255"`
	Currency                   string   `json:"currency" validate:"required,len=3"`
	OrderingEnabled            bool     `json:"ordering_enabled"`
	MaxLinkLength              int      `json:"max_link_length" validate:"min=1,max=500"`
	CancelableStatuses         []string `json:"cancelable_statuses" validate:"min=1,dive,oneof=Pending InProgress Processing"`
	RefundPolicy               string   `json:"refund_policy" validate:"oneof=proportional full_only"`
	ProviderMaxRetries         int      `json:"provider_max_retries" validate:"min=0,max=10"`
	ProviderRetryBaseMs        int      `json:"provider_retry_base_ms" validate:"min=10,max=60000"`
	ProviderRetryMaxMs         int      `json:"provider_retry_max_ms" validate:"min=10,max=600000"`
	ProviderTimeoutSeconds     int      `json:"provider_timeout_seconds" validate:"min=1,max=300"`
	ReconcileIntervalSeconds   int      `json:"reconcile_interval_seconds" validate:"min=5,max=86400"`
	ReconcileBatchSize         int      `json:"reconcile_batch_size" validate:"min=1,max=5000"`
	ReconcileConcurrency       int      `json:"reconcile_concurrency" validate:"min=1,max=64"`
	SubmitGraceMinutes         int      `json:"submit_grace_minutes" validate:"min=1,max=1440"`
	CatalogSyncIntervalMinutes int      `json:"catalog_sync_interval_minutes" validate:"min=1,max=10080"`
	RechargeExpiryHours        int      `json:"recharge_expiry_hours" validate:"min=1,max=720"`
	JobQueueWorkerCount        int      `json:"job_queue_worker_count" validate:"min=1,max=50"`
	mu                         sync.RWMutex
}

// Global settings instance
var (
	appSettings *AppSettings
	settingsMu  sync.RWMutex
)

// DefaultAppSettings returns the settings used when the table holds no overrides.
func DefaultAppSettings() *AppSettings {
	return &AppSettings{
		SiteTitle:                  "PanelFox",
		Currency:                   "USD",
		OrderingEnabled:            true,
		MaxLinkLength:              500,
		CancelableStatuses:         []string{string(OrderStatusPending)},
		RefundPolicy:               RefundPolicyProportional,
		ProviderMaxRetries:         3,
		ProviderRetryBaseMs:        500,
		ProviderRetryMaxMs:         8000,
		ProviderTimeoutSeconds:     30,
		ReconcileIntervalSeconds:   60,
		ReconcileBatchSize:         200,
		ReconcileConcurrency:       8,
		SubmitGraceMinutes:         10,
		CatalogSyncIntervalMinutes: 60,
		RechargeExpiryHours:        24,
		JobQueueWorkerCount:        5,
	}
}

// GetAppSettings returns the current application settings, or the defaults before LoadSettings ran.
func GetAppSettings() *AppSettings {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	if appSettings == nil {
		return DefaultAppSettings()
	}
	return appSettings
}

// LoadSettings loads settings from database into memory
func LoadSettings(db *gorm.DB) error {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	loaded := DefaultAppSettings()

	var settings []Setting
	if err := db.Find(&settings).Error; err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	for _, setting := range settings {
		loaded.apply(setting.Key, setting.Value)
	}

	appSettings = loaded
	return nil
}

// apply sets a single key. Unknown keys and unparsable values keep the default.
func (s *AppSettings) apply(key, value string) {
	atoi := func(dst *int) {
		if v, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*dst = v
		}
	}
	switch key {
	case "site_title":
		s.SiteTitle = value
	case "currency":
		s.Currency = strings.ToUpper(strings.TrimSpace(value))
	case "ordering_enabled":
		s.OrderingEnabled = value == "true"
	case "max_link_length":
		atoi(&s.MaxLinkLength)
	case "cancelable_statuses":
		var statuses []string
		for _, part := range strings.Split(value, ",") {
			if st, ok := ParseOrderStatus(part); ok {
				statuses = append(statuses, string(st))
			}
		}
		if len(statuses) > 0 {
			s.CancelableStatuses = statuses
		}
	case "refund_policy":
		s.RefundPolicy = strings.TrimSpace(value)
	case "provider_max_retries":
		atoi(&s.ProviderMaxRetries)
	case "provider_retry_base_ms":
		atoi(&s.ProviderRetryBaseMs)
	case "provider_retry_max_ms":
		atoi(&s.ProviderRetryMaxMs)
	case "provider_timeout_seconds":
		atoi(&s.ProviderTimeoutSeconds)
	case "reconcile_interval_seconds":
		atoi(&s.ReconcileIntervalSeconds)
	case "reconcile_batch_size":
		atoi(&s.ReconcileBatchSize)
	case "reconcile_concurrency":
		atoi(&s.ReconcileConcurrency)
	case "submit_grace_minutes":
		atoi(&s.SubmitGraceMinutes)
	case "catalog_sync_interval_minutes":
		atoi(&s.CatalogSyncIntervalMinutes)
	case "recharge_expiry_hours":
		atoi(&s.RechargeExpiryHours)
	case "job_queue_worker_count":
		atoi(&s.JobQueueWorkerCount)
	}
}

// toMap converts settings to their stored key/value form.
func (s *AppSettings) toMap() map[string]string {
	return map[string]string{
		"site_title":                    s.SiteTitle,
		"currency":                      s.Currency,
		"ordering_enabled":              strconv.FormatBool(s.OrderingEnabled),
		"max_link_length":               strconv.Itoa(s.MaxLinkLength),
		"cancelable_statuses":           strings.Join(s.CancelableStatuses, ","),
		"refund_policy":                 s.RefundPolicy,
		"provider_max_retries":          strconv.Itoa(s.ProviderMaxRetries),
		"provider_retry_base_ms":        strconv.Itoa(s.ProviderRetryBaseMs),
		"provider_retry_max_ms":         strconv.Itoa(s.ProviderRetryMaxMs),
		"provider_timeout_seconds":      strconv.Itoa(s.ProviderTimeoutSeconds),
		"reconcile_interval_seconds":    strconv.Itoa(s.ReconcileIntervalSeconds),
		"reconcile_batch_size":          strconv.Itoa(s.ReconcileBatchSize),
		"reconcile_concurrency":         strconv.Itoa(s.ReconcileConcurrency),
		"submit_grace_minutes":          strconv.Itoa(s.SubmitGraceMinutes),
		"catalog_sync_interval_minutes": strconv.Itoa(s.CatalogSyncIntervalMinutes),
		"recharge_expiry_hours":         strconv.Itoa(s.RechargeExpiryHours),
		"job_queue_worker_count":        strconv.Itoa(s.JobQueueWorkerCount),
	}
}

// SaveSettings saves current settings to database
func SaveSettings(db *gorm.DB, settings *AppSettings) error {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	if err := settings.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	for key, value := range settings.toMap() {
		var setting Setting
		result := db.Where("setting_key = ?", key).First(&setting)

		if result.Error != nil {
			if result.Error == gorm.ErrRecordNotFound {
				setting = Setting{
					Key:   key,
					Value: value,
					Type:  getSettingType(key),
				}
				if err := db.Create(&setting).Error; err != nil {
					return fmt.Errorf("failed to create setting %s: %w", key, err)
				}
			} else {
				return fmt.Errorf("failed to query setting %s: %w", key, result.Error)
			}
		} else {
			setting.Value = value
			if err := db.Save(&setting).Error; err != nil {
				return fmt.Errorf("failed to update setting %s: %w", key, err)
			}
		}
	}

	appSettings = settings
	return nil
}

// SetAppSettings replaces the in-memory settings without persisting them.
func SetAppSettings(settings *AppSettings) {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	appSettings = settings
}

// getSettingType returns the type of a setting based on its key
func getSettingType(key string) string {
	switch key {
	case "site_title", "currency", "cancelable_statuses", "refund_policy":
		return "string"
	case "ordering_enabled":
		return "boolean"
	default:
		return "integer"
	}
}

// Validate validates the settings
func (s *AppSettings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(s); err != nil {
		return err
	}
	if s.ProviderRetryMaxMs < s.ProviderRetryBaseMs {
		return fmt.Errorf("provider_retry_max_ms must be >= provider_retry_base_ms")
	}
	return nil
}

// ToJSON converts settings to JSON
func (s *AppSettings) ToJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s)
}

// GetJobQueueWorkerCount returns the configured job queue worker count with a floor of 1.
func (s *AppSettings) GetJobQueueWorkerCount() int {
	if s.JobQueueWorkerCount < 1 {
		return 1
	}
	return s.JobQueueWorkerCount
}

func (s *AppSettings) GetReconcileInterval() time.Duration {
	return time.Duration(s.ReconcileIntervalSeconds) * time.Second
}

func (s *AppSettings) GetCatalogSyncInterval() time.Duration {
	return time.Duration(s.CatalogSyncIntervalMinutes) * time.Minute
}

func (s *AppSettings) GetRechargeExpiry() time.Duration {
	return time.Duration(s.RechargeExpiryHours) * time.Hour
}
