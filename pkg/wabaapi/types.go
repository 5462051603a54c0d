package wabaapi

type SubmitOnboardingRequest struct {
	OrgID         string `json:"org_id"`
	AuthCode      string `json:"auth_code"`
	WABAID        string `json:"waba_id,omitempty"`
	PhoneNumberID string `json:"phone_number_id,omitempty"`
	PIN           string `json:"pin,omitempty"`
}

type SubmitOnboardingResponse struct {
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	Deduplicated bool   `json:"deduplicated"`
}

type TaskStatusResponse struct {
	TaskID          string   `json:"task_id"`
	OrgID           string   `json:"org_id"`
	Status          string   `json:"status"`
	CompletedSteps  []string `json:"completed_steps"`
	Attempts        int      `json:"attempts"`
	RetryCount      int      `json:"retry_count"`
	LastError       string   `json:"last_error,omitempty"`
	Guidance        string   `json:"guidance,omitempty"`
	ResultAccountID string   `json:"result_account_id,omitempty"`
	Summary         string   `json:"summary,omitempty"`
	StartedAt       string   `json:"started_at,omitempty"`
	CompletedAt     string   `json:"completed_at,omitempty"`
	CreatedAt       string   `json:"created_at"`
	UpdatedAt       string   `json:"updated_at"`
}

type CancelTaskRequest struct {
	Reason string `json:"reason"`
}

type CancelTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type RegisterNumberRequest struct {
	WABAID        string `json:"waba_id"`
	PhoneNumberID string `json:"phone_number_id"`
	PIN           string `json:"pin,omitempty"`
}

type RegistrationStatusResponse struct {
	PhoneNumberID string `json:"phone_number_id"`
	WABAID        string `json:"waba_id"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error,omitempty"`
	UpdatedAt     string `json:"updated_at"`
}

type MaintenanceResponse struct {
	Count int `json:"count"`
}
