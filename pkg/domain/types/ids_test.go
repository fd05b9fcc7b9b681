package types_test

import (
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

func TestUserID_Validate(t *testing.T) {
	tests := []struct {
		name    string
		id      types.UserID
		wantErr bool
	}{
		{"uuid", "1b4e28ba-2fa1-11d2-883f-0016d3cca427", false},
		{"empty", "", true},
		{"numeric", "12345", true},
		{"truncated uuid", "1b4e28ba-2fa1-11d2-883f", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.id.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("UserID.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	t.Run("normalize lowercases and trims", func(t *testing.T) {
		id := types.UserID("  1B4E28BA-2FA1-11D2-883F-0016D3CCA427 ").Normalize()
		gt.Value(t, id).Equal(types.UserID("1b4e28ba-2fa1-11d2-883f-0016d3cca427"))
	})
}
