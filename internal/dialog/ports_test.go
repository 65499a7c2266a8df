package dialog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ahrav/go-parley/internal/domain"
)

func TestAllowList(t *testing.T) {
	a := AllowList{
		Users:   map[string]bool{"admin": true},
		Guarded: map[domain.WorkflowType]bool{domain.WorkflowAnnouncementCreation: true},
	}

	tests := []struct {
		name string
		user string
		wt   domain.WorkflowType
		want bool
	}{
		{"admin on guarded", "admin", domain.WorkflowAnnouncementCreation, true},
		{"member on guarded", "member", domain.WorkflowAnnouncementCreation, false},
		{"member on open", "member", domain.WorkflowTriviaSubmission, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.MayInitiate(context.Background(), tt.user, tt.wt))
		})
	}
}

func TestLogFinalizer(t *testing.T) {
	assert.NoError(t, LogFinalizer{}.Finalize(context.Background(), Finalization{SessionID: "s1"}))
}
