package domain

import (
	"encoding/json"
	"time"
)

type TaskType string

const (
	TaskImport      TaskType = "import"
	TaskPublication TaskType = "publication"
)

type Status string

const (
	StatusWaiting Status = "waiting"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Account identifies the owner of a task, a catalog or a platform dataset.
type Account struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Department string `json:"department,omitempty"`
}

type LogType string

const (
	LogInfo    LogType = "info"
	LogWarning LogType = "warning"
	LogError   LogType = "error"
	LogStep    LogType = "step"
	LogTask    LogType = "task"
)

type LogEntry struct {
	Type         LogType    `json:"type"`
	Date         time.Time  `json:"date"`
	Msg          string     `json:"msg"`
	Extra        any        `json:"extra,omitempty"`
	Key          string     `json:"key,omitempty"`
	Progress     *int64     `json:"progress,omitempty"`
	Total        *int64     `json:"total,omitempty"`
	ProgressDate *time.Time `json:"progressDate,omitempty"`
}

type RuleType string

const (
	RuleDaily   RuleType = "daily"
	RuleWeekly  RuleType = "weekly"
	RuleMonthly RuleType = "monthly"
)

// SchedulingRule is a recurrence rule. DayOfWeek uses 0 for Sunday.
type SchedulingRule struct {
	Type       RuleType `json:"type"`
	Hour       int      `json:"hour"`
	Minute     int      `json:"minute"`
	DayOfWeek  int      `json:"dayOfWeek,omitempty"`
	DayOfMonth int      `json:"dayOfMonth,omitempty"`
	TimeZone   string   `json:"timeZone,omitempty"`
}

type Import struct {
	ID                   string           `json:"id"`
	Owner                Account          `json:"owner"`
	CatalogID            string           `json:"catalogId"`
	Status               Status           `json:"status"`
	CreatedAt            time.Time        `json:"createdAt"`
	UpdatedAt            time.Time        `json:"updatedAt"`
	Config               json.RawMessage  `json:"config,omitempty"`
	RemoteResourceID     string           `json:"remoteResourceId"`
	DataFairDatasetID    string           `json:"dataFairDatasetId,omitempty"`
	ShouldUpdateMetadata bool             `json:"shouldUpdateMetadata"`
	ShouldUpdateSchema   bool             `json:"shouldUpdateSchema"`
	SchedulingRules      []SchedulingRule `json:"schedulingRules"`
	NextRunAt            *time.Time       `json:"nextRunAt,omitempty"`
	LastRunAt            *time.Time       `json:"lastRunAt,omitempty"`
	Logs                 []LogEntry       `json:"logs"`
	Error                string           `json:"error,omitempty"`
}

type PublicationAction string

const (
	ActionCreate        PublicationAction = "create"
	ActionAddAsResource PublicationAction = "addAsResource"
	ActionOverwrite     PublicationAction = "overwrite"
	ActionDelete        PublicationAction = "delete"
)

type PublicationSite struct {
	Title              string `json:"title"`
	URL                string `json:"url"`
	DatasetURLTemplate string `json:"datasetUrlTemplate"`
}

type Publication struct {
	ID                string            `json:"id"`
	Owner             Account           `json:"owner"`
	CatalogID         string            `json:"catalogId"`
	Status            Status            `json:"status"`
	Action            PublicationAction `json:"action"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
	DataFairDatasetID string            `json:"dataFairDatasetId"`
	RemoteDatasetID   string            `json:"remoteDatasetId,omitempty"`
	RemoteResourceID  string            `json:"remoteResourceId,omitempty"`
	PublicationSite   PublicationSite   `json:"publicationSite"`
	LastRunAt         *time.Time        `json:"lastRunAt,omitempty"`
	Logs              []LogEntry        `json:"logs"`
	Error             string            `json:"error,omitempty"`
}

type Catalog struct {
	ID                string            `json:"id"`
	Owner             Account           `json:"owner"`
	Title             string            `json:"title"`
	Plugin            string            `json:"plugin"`
	PluginVersion     string            `json:"pluginVersion,omitempty"`
	Config            json.RawMessage   `json:"config,omitempty"`
	Secrets           map[string]string `json:"secrets,omitempty"`
	Capabilities      []string          `json:"capabilities"`
	DeletionRequested bool              `json:"deletionRequested,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// HasCapability reports whether the catalog declares the named capability.
func (c Catalog) HasCapability(name string) bool {
	for _, v := range c.Capabilities {
		if v == name {
			return true
		}
	}
	return false
}

// LockKey is the key a task is locked under.
func LockKey(t TaskType, id string) string { return string(t) + ":" + id }

// Channel returns the notification channel of a task.
func Channel(t TaskType, id string) string { return string(t) + "/" + id }
