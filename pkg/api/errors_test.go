package api

import (
	"fmt"
	"net/http"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"

	"github.com/sibyl-dev/sibyl/pkg/models"
)

func TestMapServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		expectCode int
		expectMsg  string
	}{
		{
			name:       "validation error maps to 400",
			err:        models.NewValidationError("name", "missing field"),
			expectCode: http.StatusBadRequest,
			expectMsg:  "missing field",
		},
		{
			name:       "invalid input maps to 400",
			err:        fmt.Errorf("wrapped: %w", models.ErrInvalidInput),
			expectCode: http.StatusBadRequest,
		},
		{
			name:       "not found maps to 404",
			err:        fmt.Errorf("wrapped: %w", models.ErrNotFound),
			expectCode: http.StatusNotFound,
			expectMsg:  "resource not found",
		},
		{
			name:       "already exists maps to 409",
			err:        fmt.Errorf("wrapped: %w", models.ErrAlreadyExists),
			expectCode: http.StatusConflict,
			expectMsg:  "resource already exists",
		},
		{
			name:       "transition forbidden maps to 422",
			err:        fmt.Errorf("approval already settled: %w", models.ErrTransitionForbidden),
			expectCode: http.StatusUnprocessableEntity,
			expectMsg:  "state transition not allowed",
		},
		{
			name:       "transient maps to 503",
			err:        fmt.Errorf("graph unreachable: %w", models.ErrTransient),
			expectCode: http.StatusServiceUnavailable,
			expectMsg:  "temporarily unavailable",
		},
		{
			name:       "unknown error maps to 500",
			err:        fmt.Errorf("something unexpected happened"),
			expectCode: http.StatusInternalServerError,
			expectMsg:  "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			he := mapServiceError(tt.err)
			assert.IsType(t, &echo.HTTPError{}, he)
			assert.Equal(t, tt.expectCode, he.Code)
			if tt.expectMsg != "" {
				assert.Contains(t, he.Error(), tt.expectMsg)
			}
		})
	}
}
