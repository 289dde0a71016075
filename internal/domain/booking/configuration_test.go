package booking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfiguration_Validate(t *testing.T) {
	from := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	valid := NewConfiguration("user-1", "Sollentuna", DateWindow{From: from, To: from.AddDate(0, 1, 0)}, "B")

	tests := []struct {
		name    string
		mutate  func(c *Configuration)
		wantErr bool
	}{
		{name: "valid configuration", mutate: func(*Configuration) {}},
		{name: "missing owner", mutate: func(c *Configuration) { c.Owner = "" }, wantErr: true},
		{name: "missing test center", mutate: func(c *Configuration) { c.TestCenter = "" }, wantErr: true},
		{name: "missing category", mutate: func(c *Configuration) { c.LicenseCategory = "" }, wantErr: true},
		{name: "unbounded window", mutate: func(c *Configuration) { c.Window.To = time.Time{} }, wantErr: true},
		{name: "inverted window", mutate: func(c *Configuration) { c.Window.To = from.AddDate(0, 0, -1) }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfiguration)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDateWindow_Contains(t *testing.T) {
	from := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	w := DateWindow{From: from, To: from.AddDate(0, 0, 7)}

	assert.True(t, w.Contains(from))
	assert.True(t, w.Contains(from.AddDate(0, 0, 7)))
	assert.False(t, w.Contains(from.AddDate(0, 0, 8)))
}
