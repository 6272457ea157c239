package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/teacherly/plansync/internal/entity"
)

// MockClient is an in-memory implementation of Client for testing.
type MockClient struct {
	mu sync.Mutex

	// Entities stores documents by "type/id" key.
	Entities map[string]*entity.Envelope
	// Jobs stores import jobs by ID.
	Jobs map[string]*ImportJob
	// Err can be set to make every method return an error.
	Err error
	// HealthErr controls Health independently of Err.
	HealthErr error
	// Now supplies updatedAt for writes; defaults to time.Now.
	Now func() time.Time

	nextID int
	// Calls records method invocations as "Method type/id" strings.
	Calls []string
}

// NewMockClient creates a MockClient with empty state.
func NewMockClient() *MockClient {
	return &MockClient{
		Entities: make(map[string]*entity.Envelope),
		Jobs:     make(map[string]*ImportJob),
	}
}

func entityKey(t entity.Type, id string) string {
	return string(t) + "/" + id
}

func (m *MockClient) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

// Seed stores an envelope directly, bypassing call recording.
func (m *MockClient) Seed(t entity.Type, env *entity.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Entities[entityKey(t, env.ID)] = env
}

func (m *MockClient) record(method string, t entity.Type, id string) {
	m.Calls = append(m.Calls, fmt.Sprintf("%s %s", method, entityKey(t, id)))
}

func (m *MockClient) List(ctx context.Context, t entity.Type) ([]*entity.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("List", t, "")
	if m.Err != nil {
		return nil, m.Err
	}

	var envs []*entity.Envelope
	prefix := string(t) + "/"
	for key, env := range m.Entities {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			envs = append(envs, env)
		}
	}
	return envs, nil
}

func (m *MockClient) Get(ctx context.Context, t entity.Type, id string) (*entity.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Get", t, id)
	if m.Err != nil {
		return nil, m.Err
	}

	env, ok := m.Entities[entityKey(t, id)]
	if !ok {
		return nil, &RemoteError{Status: http.StatusNotFound, Code: "not_found", Message: id}
	}
	return env, nil
}

func (m *MockClient) Create(ctx context.Context, t entity.Type, data json.RawMessage) (*entity.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Create", t, "")
	if m.Err != nil {
		return nil, m.Err
	}

	m.nextID++
	id := fmt.Sprintf("srv-%d", m.nextID)
	doc := setEnvelopeFields(data, id, m.now())
	env, err := entity.ParseEnvelope(doc)
	if err != nil {
		return nil, err
	}
	m.Entities[entityKey(t, id)] = env
	return env, nil
}

func (m *MockClient) Update(ctx context.Context, t entity.Type, id string, patch json.RawMessage) (*entity.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Update", t, id)
	if m.Err != nil {
		return nil, m.Err
	}

	existing, ok := m.Entities[entityKey(t, id)]
	if !ok {
		return nil, &RemoteError{Status: http.StatusNotFound, Code: "not_found", Message: id}
	}

	merged, err := entity.ChangePayload{Type: t, Data: patch}.MergeInto(existing.Data)
	if err != nil {
		return nil, err
	}
	doc := setEnvelopeFields(merged, id, m.now())
	env, err := entity.ParseEnvelope(doc)
	if err != nil {
		return nil, err
	}
	m.Entities[entityKey(t, id)] = env
	return env, nil
}

func (m *MockClient) Delete(ctx context.Context, t entity.Type, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Delete", t, id)
	if m.Err != nil {
		return m.Err
	}

	key := entityKey(t, id)
	if _, ok := m.Entities[key]; !ok {
		return &RemoteError{Status: http.StatusNotFound, Code: "not_found", Message: id}
	}
	delete(m.Entities, key)
	return nil
}

func (m *MockClient) StartImport(ctx context.Context, payload json.RawMessage) (*ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	m.nextID++
	job := &ImportJob{ID: fmt.Sprintf("job-%d", m.nextID), Status: ImportUploading}
	m.Jobs[job.ID] = job
	return job, nil
}

func (m *MockClient) GetImport(ctx context.Context, jobID string) (*ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	job, ok := m.Jobs[jobID]
	if !ok {
		return nil, &RemoteError{Status: http.StatusNotFound, Code: "not_found", Message: jobID}
	}
	cp := *job
	return &cp, nil
}

// SetJobStatus advances an import job's state. Used by tests to simulate
// server-side progress.
func (m *MockClient) SetJobStatus(jobID, status string, progress int, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.Jobs[jobID]; ok {
		job.Status = status
		job.Progress = progress
		job.Message = message
	}
}

// JobIDs returns the ids of all import jobs, for tests.
func (m *MockClient) JobIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.Jobs))
	for id := range m.Jobs {
		ids = append(ids, id)
	}
	return ids
}

func (m *MockClient) Health(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.HealthErr != nil {
		return m.HealthErr
	}
	return m.Err
}

// setEnvelopeFields stamps id and updatedAt into a JSON document.
func setEnvelopeFields(data json.RawMessage, id string, updatedAt time.Time) json.RawMessage {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		obj = make(map[string]any)
	}
	obj["id"] = id
	obj["updatedAt"] = updatedAt.Format(time.RFC3339Nano)
	out, _ := json.Marshal(obj)
	return out
}
