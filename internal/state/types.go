package state

import "time"

type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskProcessing TaskStatus = "PROCESSING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskCancelled  TaskStatus = "CANCELLED"
)

type RegistrationStatus string

const (
	RegistrationPending  RegistrationStatus = "PENDING"
	RegistrationActive   RegistrationStatus = "ACTIVE"
	RegistrationFailed   RegistrationStatus = "REGISTRATION_FAILED"
	RegistrationDisabled RegistrationStatus = "DISABLED"
)

// Step identifies one onboarding saga step. Completed steps are persisted as
// a bitmask so a retry resumes instead of restarting from zero.
type Step uint8

const (
	StepExchangeCode Step = iota
	StepExtendToken
	StepVerifyScopes
	StepResolveWABA
	StepResolveBusiness
	StepResolvePhoneNumber
	StepCommitAccount
	StepSubscribeWebhooks
	StepSyncPhoneNumbers
	StepRegisterPhone
	StepUpgradeCredential
	stepCount
)

var stepNames = [stepCount]string{
	"exchange_code",
	"extend_token",
	"verify_scopes",
	"resolve_waba",
	"resolve_business",
	"resolve_phone_number",
	"commit_account",
	"subscribe_webhooks",
	"sync_phone_numbers",
	"register_phone",
	"upgrade_credential",
}

func (s Step) String() string {
	if s < stepCount {
		return stepNames[s]
	}
	return "unknown"
}

type StepSet uint64

func (s StepSet) Has(step Step) bool     { return s&(1<<step) != 0 }
func (s StepSet) With(step Step) StepSet { return s | (1 << step) }

func (s StepSet) Names() []string {
	out := make([]string, 0, int(stepCount))
	for step := Step(0); step < stepCount; step++ {
		if s.Has(step) {
			out = append(out, step.String())
		}
	}
	return out
}

// TaskRecord is one onboarding attempt for one organization. The row is the
// only shared mutable resource of the coordination layer; all transitions go
// through the Store's conditional updates.
type TaskRecord struct {
	ID             string
	OrgID          string
	IdempotencyKey string

	// Requested inputs as supplied by the caller; empty means discover.
	WABAID        string
	PhoneNumberID string

	// Resolved inputs discovered mid-saga, kept apart from the requested
	// ones so a retry can skip re-discovery.
	ResolvedWABAID        string
	ResolvedBusinessID    string
	ResolvedPhoneNumberID string

	Status         TaskStatus
	CompletedSteps StepSet
	Attempts       int
	RetryCount     int
	StartedAt      time.Time
	CompletedAt    time.Time
	LastError      string
	ResultAccount  string
	Summary        string
	ArchivedAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ResolvedPatch carries step outputs into MarkStepCompleted. Empty fields are
// left untouched.
type ResolvedPatch struct {
	WABAID        string
	BusinessID    string
	PhoneNumberID string
	Summary       string
}

// AccountRecord is the durable product of a completed onboarding saga. The
// WABA id is globally unique across organizations.
type AccountRecord struct {
	ID          string
	OrgID       string
	WABAID      string
	BusinessID  string
	DisplayName string
	Status      string
	CreatedAt   time.Time
}

// RegistrationRecord is one phone-number activation attempt. PENDING means
// intent is durably recorded and the external outcome is unknown or in
// flight.
type RegistrationRecord struct {
	PhoneNumberID string
	WABAID        string
	Status        RegistrationStatus
	LastError     string
	Attempts      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CredentialRecord holds one organization's encrypted bearer credential.
type CredentialRecord struct {
	OrgID           string
	Envelope        string
	ExpiresAt       time.Time
	ServiceIdentity bool
	UpdatedAt       time.Time
}
