package req

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

type signup struct {
	Email string `json:"email" validate:"required,email"`
	Plan  string `json:"plan" validate:"omitempty,oneof=freelance agency"`
}

func TestDecode_EmptyBody(t *testing.T) {
	got, err := Decode[signup](strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, signup{}, got)
}

func TestHandleBody(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantField  string
	}{
		{"valid", `{"email":"a@b.co","plan":"agency"}`, http.StatusOK, ""},
		{"broken json", `{"email":`, http.StatusBadRequest, ""},
		{"missing email", `{"plan":"agency"}`, http.StatusUnprocessableEntity, `"field":"Email","rule":"required"`},
		{"unknown plan", `{"email":"a@b.co","plan":"gold"}`, http.StatusUnprocessableEntity, `"rule":"oneof"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/signup", strings.NewReader(tt.body))

			body, err := HandleBody[signup](w, r, logger.NewNop())
			if tt.wantStatus == http.StatusOK {
				require.NoError(t, err)
				assert.Equal(t, "agency", body.Plan)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantField != "" {
				assert.Contains(t, w.Body.String(), tt.wantField)
			}
		})
	}
}
