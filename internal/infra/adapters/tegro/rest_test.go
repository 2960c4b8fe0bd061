package tegro

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tegrolink/errs"
)

func TestDecodeAPIErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		code      errs.Code
		canonical errs.CanonicalCode
	}{
		{"server overloaded", http.StatusServiceUnavailable, `{"message":"` + serverOverloadedMessage + `"}`, errs.CodeUnavailable, errs.CanonicalServerOverloaded},
		{"plain 503", http.StatusServiceUnavailable, `{"message":"maintenance"}`, errs.CodeUnavailable, ""},
		{"order does not exist", http.StatusBadRequest, `{"message":"Order does not exist"}`, errs.CodeNotFound, errs.CanonicalOrderNotFound},
		{"order not found", http.StatusBadRequest, `{"message":"Order not found"}`, errs.CodeNotFound, errs.CanonicalOrderNotFound},
		{"numeric not exist code", http.StatusBadRequest, `{"code":-2013,"msg":"gone"}`, errs.CodeNotFound, errs.CanonicalOrderNotFound},
		{"unknown order", http.StatusBadRequest, `{"code":"-2011","message":"Unknown order sent"}`, errs.CodeNotFound, errs.CanonicalUnknownOrder},
		{"404", http.StatusNotFound, `not here`, errs.CodeNotFound, errs.CanonicalOrderNotFound},
		{"rate limited", http.StatusTooManyRequests, `{}`, errs.CodeRateLimited, errs.CanonicalRateLimited},
		{"forbidden", http.StatusForbidden, `{"error":"bad signature"}`, errs.CodeAuth, ""},
		{"bad request", http.StatusBadRequest, `{"message":"amount too small"}`, errs.CodeInvalid, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := decodeAPIError("tegro", pathCancelOrder, tc.status, []byte(tc.body))
			var e *errs.E
			require.True(t, errors.As(err, &e))
			require.Equal(t, pathCancelOrder, e.VenueMetadata["endpoint"])
			require.True(t, errs.HasCode(err, tc.code), "code: %v", err)
			if tc.canonical != "" {
				require.True(t, errs.HasCanonical(err, tc.canonical), "canonical: %v", err)
			}
		})
	}
}

func TestOrderNotFoundPredicates(t *testing.T) {
	notExist := decodeAPIError("tegro", pathCancelOrder, http.StatusBadRequest, []byte(`{"message":"Order does not exist"}`))
	unknown := decodeAPIError("tegro", pathCancelOrder, http.StatusBadRequest, []byte(`{"message":"Unknown order sent"}`))
	other := decodeAPIError("tegro", pathCancelOrder, http.StatusBadRequest, []byte(`{"message":"nope"}`))

	require.True(t, IsOrderNotFoundDuringStatusUpdate(notExist))
	require.False(t, IsOrderNotFoundDuringStatusUpdate(unknown))
	require.True(t, IsOrderNotFoundDuringCancel(notExist))
	require.True(t, IsOrderNotFoundDuringCancel(unknown))
	require.False(t, IsOrderNotFoundDuringCancel(other))
	require.False(t, IsOrderNotFoundDuringCancel(nil))
}

func TestDecodeEnvelopeAcceptsWrappedAndBarePayloads(t *testing.T) {
	var wrapped []balanceRecord
	require.NoError(t, decodeEnvelope([]byte(`{"data":[{"symbol":"USDT","balance":"12.5"}]}`), &wrapped))
	require.Len(t, wrapped, 1)
	require.Equal(t, "12.5", wrapped[0].Balance.String())

	var bare orderStatusRecord
	require.NoError(t, decodeEnvelope([]byte(`{"order_id":"0xabc","status":"matched","timestamp":1709294334}`), &bare))
	require.Equal(t, "0xabc", bare.orderID())
	require.Equal(t, int64(1709294334), bare.at().Unix())

	require.Error(t, decodeEnvelope([]byte("  "), &bare))
}

func TestOneOrManyAndFlexString(t *testing.T) {
	var many oneOrMany[cancelRecord]
	require.NoError(t, json.Unmarshal([]byte(`[{"cancelled_order_ids":"0xabc"}]`), &many))
	require.Len(t, many, 1)
	require.True(t, many[0].matches("0xabc"))

	var one oneOrMany[cancelRecord]
	require.NoError(t, json.Unmarshal([]byte(`{"cancelled_order_ids":["0x1","0x2"]}`), &one))
	require.Len(t, one, 1)
	require.True(t, one[0].matches("0x2"))
	require.False(t, one[0].matches("0x3"))

	var ids struct {
		A flexString `json:"a"`
		B flexString `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":" x1 ","b":42}`), &ids))
	require.Equal(t, "x1", ids.A.String())
	require.Equal(t, "42", ids.B.String())
}

func TestTegroTimeFormats(t *testing.T) {
	var v struct {
		RFC   tegroTime `json:"rfc"`
		Sec   tegroTime `json:"sec"`
		Milli tegroTime `json:"milli"`
		Str   tegroTime `json:"str"`
	}
	raw := `{"rfc":"2024-02-11T22:31:50.25114Z","sec":1709294334,"milli":1709294334123,"str":"1709294334"}`
	require.NoError(t, json.Unmarshal([]byte(raw), &v))

	require.Equal(t, time.Date(2024, 2, 11, 22, 31, 50, 251140000, time.UTC), v.RFC.Time())
	require.Equal(t, int64(1709294334), v.Sec.Time().Unix())
	require.Equal(t, int64(1709294334123), v.Milli.Time().UnixMilli())
	require.Equal(t, int64(1709294334), v.Str.Time().Unix())

	var bad tegroTime
	require.Error(t, json.Unmarshal([]byte(`"yesterday"`), &bad))
}
