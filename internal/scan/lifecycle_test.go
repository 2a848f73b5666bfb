package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusPartial, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusPending, false},
		// Terminal states reopen only for retry.
		{StatusCompleted, StatusRunning, true},
		{StatusPartial, StatusRunning, true},
		{StatusFailed, StatusRunning, true},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusPending, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func svc(name string, status ServiceStatus) *ServiceExecution {
	s := &ServiceExecution{Name: name, Status: status}
	if status == ServiceFailed {
		s.Err = &ServiceError{Code: CodeUnknown, Message: "boom", Retryable: true}
	}
	return s
}

func TestTerminalStatus(t *testing.T) {
	tests := []struct {
		name     string
		services []*ServiceExecution
		want     Status
	}{
		{
			name:     "all success",
			services: []*ServiceExecution{svc("a", ServiceSuccess), svc("b", ServiceSuccess)},
			want:     StatusCompleted,
		},
		{
			name:     "mixed",
			services: []*ServiceExecution{svc("a", ServiceSuccess), svc("b", ServiceFailed)},
			want:     StatusPartial,
		},
		{
			name:     "all failed",
			services: []*ServiceExecution{svc("a", ServiceFailed), svc("b", ServiceFailed)},
			want:     StatusFailed,
		},
		{
			name:     "none",
			services: nil,
			want:     StatusFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TerminalStatus(tt.services))
		})
	}
}

func TestComputeProgress(t *testing.T) {
	services := []*ServiceExecution{
		svc("a", ServiceSuccess),
		svc("b", ServiceFailed),
		svc("c", ServiceRunning),
		svc("d", ServicePending),
	}
	p := ComputeProgress(services)
	assert.Equal(t, 4, p.TotalServices)
	assert.Equal(t, 2, p.CompletedServices)
	assert.Equal(t, 50, p.Percentage)

	empty := ComputeProgress(nil)
	assert.Equal(t, 0, empty.TotalServices)
	assert.Equal(t, 0, empty.Percentage)
}

func TestCanRetry(t *testing.T) {
	retryable := &ServiceExecution{
		Status:      ServiceFailed,
		Err:         &ServiceError{Code: CodeTimeout, Retryable: true},
		Attempts:    1,
		MaxAttempts: 2,
	}
	assert.True(t, retryable.CanRetry())

	exhausted := &ServiceExecution{
		Status:      ServiceFailed,
		Err:         &ServiceError{Code: CodeTimeout, Retryable: true},
		Attempts:    2,
		MaxAttempts: 2,
	}
	assert.False(t, exhausted.CanRetry())

	permanent := &ServiceExecution{
		Status:      ServiceFailed,
		Err:         &ServiceError{Code: CodeServiceRestricted, Retryable: false},
		Attempts:    1,
		MaxAttempts: 3,
	}
	assert.False(t, permanent.CanRetry())

	succeeded := &ServiceExecution{Status: ServiceSuccess, Attempts: 1, MaxAttempts: 3}
	assert.False(t, succeeded.CanRetry())
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	assert.Len(t, a, 26)
	assert.NotEqual(t, a, b)
}

func TestBundleService(t *testing.T) {
	b := &Bundle{Services: []*ServiceExecution{svc("a", ServicePending)}}
	assert.NotNil(t, b.Service("a"))
	assert.Nil(t, b.Service("missing"))
}
