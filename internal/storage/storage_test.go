package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/civic-reports/internal/apperror"
)

func TestValidateImage(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		size        int64
		wantErr     bool
	}{
		{"jpeg", "image/jpeg", 1024, false},
		{"png uppercase", "IMAGE/PNG", 1024, false},
		{"exactly 10MB", "image/webp", MaxImageBytes, false},
		{"too big", "image/jpeg", MaxImageBytes + 1, true},
		{"pdf", "application/pdf", 1024, true},
		{"missing type", "", 1024, true},
		{"empty file", "image/png", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateImage(tt.contentType, tt.size)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperror.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestObjectName(t *testing.T) {
	name := ObjectName("Pothole.PNG")
	assert.True(t, strings.HasPrefix(name, "reports/"), name)
	assert.True(t, strings.HasSuffix(name, ".png"), name)

	assert.True(t, strings.HasSuffix(ObjectName("no-extension"), ".jpg"))
	assert.NotEqual(t, ObjectName("a.jpg"), ObjectName("a.jpg"), "names must be unique")
}

func TestLocal_UploadAndDelete(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocal(root, "http://localhost:8080/uploads/")
	require.NoError(t, err)

	ctx := context.Background()
	obj, err := store.Upload(ctx, UploadInput{
		Filename:    "photo.jpg",
		ContentType: "image/jpeg",
		Body:        strings.NewReader("fake jpeg bytes"),
	})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/uploads/"+obj.Key, obj.URL)

	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(obj.Key)))
	require.NoError(t, err)
	assert.Equal(t, "fake jpeg bytes", string(data))

	require.NoError(t, store.Delete(ctx, obj.Key))
	assert.True(t, errors.Is(store.Delete(ctx, obj.Key), ErrObjectNotFound))
}

func TestLocal_DeleteRejectsEscapingKeys(t *testing.T) {
	store, err := NewLocal(t.TempDir(), "/uploads")
	require.NoError(t, err)

	for _, key := range []string{"", "../etc/passwd", "/etc/passwd", "other/file.jpg", "reports/../../x"} {
		err := store.Delete(context.Background(), key)
		assert.Error(t, err, "key %q", key)
		assert.False(t, errors.Is(err, ErrObjectNotFound), "key %q must be refused, not looked up", key)
	}
}
