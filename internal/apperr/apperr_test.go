package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"missing file", New(KindMissingFile, "ingest", ErrMissingFile), http.StatusInternalServerError},
		{"transport", New(KindTransport, "ingest", errors.New("bad boundary")), http.StatusBadRequest},
		{"spool", New(KindSpoolIO, "spool.write", errors.New("disk full")), http.StatusInternalServerError},
		{"remote", New(KindRemoteStore, "storage.put", errors.New("503")), http.StatusInternalServerError},
		{"empty", New(KindEmptyBody, "spool.write", ErrEmptyBody), http.StatusBadRequest},
		{"too large", New(KindBodyTooLarge, "ingest", errors.New("too big")), http.StatusRequestEntityTooLarge},
		{"bad name", New(KindInvalidFilename, "ingest", errors.New("..")), http.StatusBadRequest},
		{"busy", New(KindBusy, "relay", errors.New("canceled")), http.StatusServiceUnavailable},
		{"untagged", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, StatusOf(tt.err))
		})
	}
}

func TestEveryKindHasStatus(t *testing.T) {
	kinds := []Kind{
		KindMissingFile, KindTransport, KindSpoolIO, KindRemoteStore,
		KindEmptyBody, KindBodyTooLarge, KindInvalidFilename, KindBusy,
	}
	for _, k := range kinds {
		_, ok := statusByKind[k]
		assert.True(t, ok, "kind %s has no status", k)
	}
}

func TestKindOfWrapped(t *testing.T) {
	base := New(KindRemoteStore, "storage.put", errors.New("access denied"))
	wrapped := fmt.Errorf("relay f.txt: %w", base)

	assert.Equal(t, KindRemoteStore, KindOf(wrapped))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestErrorMessage(t *testing.T) {
	err := New(KindEmptyBody, "spool.write", ErrEmptyBody)
	require.Error(t, err)
	assert.Equal(t, "spool.write: body is empty", err.Error())
	assert.ErrorIs(t, err, ErrEmptyBody)

	assert.Equal(t, "body is empty", New(KindEmptyBody, "", ErrEmptyBody).Error())
	assert.NoError(t, New(KindSpoolIO, "op", nil))
}

func TestIsClientError(t *testing.T) {
	assert.True(t, IsClientError(New(KindTransport, "", errors.New("x"))))
	assert.False(t, IsClientError(New(KindSpoolIO, "", errors.New("x"))))
}
