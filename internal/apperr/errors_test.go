package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind_HTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, KindValidation.HTTPStatus())
	assert.Equal(t, http.StatusForbidden, KindAuthorization.HTTPStatus())
	assert.Equal(t, http.StatusConflict, KindConflict.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, KindNotFound.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindInternal.HTTPStatus())
}

func TestError_WrappedLookup(t *testing.T) {
	base := Validation(CodeReassessReasonRequired, "reason too short")
	wrapped := fmt.Errorf("reassess: %w", base)

	assert.Equal(t, KindValidation, KindOf(wrapped))
	assert.Equal(t, CodeReassessReasonRequired, CodeOf(wrapped))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(wrapped))
	assert.True(t, errors.Is(wrapped, &Error{Code: CodeReassessReasonRequired}))
}

func TestError_UntypedIsInternal(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, CodeUnknown, CodeOf(err))
}

func TestError_CauseInMessage(t *testing.T) {
	cause := errors.New("disk full")
	err := Internal(CodeStoreFailure, "append ledger", cause)
	assert.Equal(t, "append ledger: disk full", err.Error())
	assert.ErrorIs(t, err, cause)

	err.WithMetadata("project_id", "p1")
	assert.Equal(t, "p1", err.Metadata["project_id"])
}
