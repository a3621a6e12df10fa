package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/systemflow/flowsync/internal/rowstore"
)

func TestValidateNotificationRows(t *testing.T) {
	v := MustValidator()

	cases := []struct {
		name    string
		row     string
		wantErr bool
	}{
		{
			name: "valid chat row",
			row:  `{"id":"n1","user_id":"u1","type":"chat","content":"hi","metadata":{"room_id":"r1"},"is_read":false}`,
		},
		{
			name: "valid system row",
			row:  `{"id":"n1","user_id":"u1","type":"system","title":"Deploy"}`,
		},
		{
			name:    "missing user_id",
			row:     `{"id":"n1","type":"chat"}`,
			wantErr: true,
		},
		{
			name:    "unknown type",
			row:     `{"id":"n1","user_id":"u1","type":"marketing"}`,
			wantErr: true,
		},
		{
			name:    "empty id",
			row:     `{"id":"","user_id":"u1","type":"chat"}`,
			wantErr: true,
		},
		{
			name:    "metadata wrong shape",
			row:     `{"id":"n1","user_id":"u1","type":"chat","metadata":"r1"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			row:     `{"id":`,
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(rowstore.TableNotifications, json.RawMessage(tc.row))
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateMessageRows(t *testing.T) {
	v := MustValidator()

	valid := `{"id":"m1","room_id":"r1","sender_id":"alice","content":"hi","created_at":"2026-01-01T00:00:00Z"}`
	require.NoError(t, v.Validate(rowstore.TableChatMessages, json.RawMessage(valid)))

	missingRoom := `{"id":"m1","sender_id":"alice"}`
	require.Error(t, v.Validate(rowstore.TableChatMessages, json.RawMessage(missingRoom)))
}

func TestValidateReceiptRows(t *testing.T) {
	v := MustValidator()

	valid := `{"message_id":"m1","room_id":"r1","user_id":"u1","delivered_at":"2026-01-01T00:00:00Z","read_at":null}`
	require.NoError(t, v.Validate(rowstore.TableChatReceipts, json.RawMessage(valid)))

	missingUser := `{"message_id":"m1"}`
	require.Error(t, v.Validate(rowstore.TableChatReceipts, json.RawMessage(missingUser)))
}

func TestValidateUnknownTable(t *testing.T) {
	v := MustValidator()
	require.Error(t, v.Validate(rowstore.Table("profiles"), json.RawMessage(`{}`)))
}
