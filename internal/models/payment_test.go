package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	assert.Equal(t, StatusInProgress, ParseStatus(" in_progress "))
	assert.Equal(t, StatusFinish, ParseStatus("FINISH"))
	assert.Equal(t, StatusUnknown, ParseStatus("PENDING_REVIEW"))
	assert.Equal(t, StatusUnknown, ParseStatus(""))
}

func TestStatusOrdering(t *testing.T) {
	assert.Less(t, StatusInitial.Rank(), StatusInProgress.Rank())
	assert.Less(t, StatusInProgress.Rank(), StatusFinish.Rank())
	assert.Equal(t, StatusFinish.Rank(), StatusFailed.Rank())
	assert.False(t, StatusUnknown.IsKnown())

	assert.True(t, StatusFinish.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in   string
		want Price
	}{
		{"$35.000", 35000},
		{"$1.250.000", 1250000},
		{"45000", 45000},
		{"19.99", 19.99},
		{"COP 89.900/mes", 89900},
		{"", 0},
		{"gratis", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePrice(tt.in)
			require.NoError(t, err)
			assert.InDelta(t, tt.want.Float64(), got.Float64(), 0.001)
		})
	}
}

func TestServiceDetails_PriceFromNumberOrString(t *testing.T) {
	var fromString, fromNumber ServiceDetails
	require.NoError(t, json.Unmarshal([]byte(`{"id":1,"precio_mensual":"$35.000"}`), &fromString))
	require.NoError(t, json.Unmarshal([]byte(`{"id":1,"precio_mensual":35000}`), &fromNumber))

	assert.Equal(t, Price(35000), fromString.PrecioMensual)
	assert.Equal(t, fromNumber, fromString)

	var bad ServiceDetails
	assert.Error(t, json.Unmarshal([]byte(`{"precio_mensual":true}`), &bad))
}

func TestPaymentStatusResponse_Report(t *testing.T) {
	r := PaymentStatusResponse{TraceID: "t", Status: "failed", Error: "declined"}.Report()
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, "failed", r.Raw)
	assert.Equal(t, "declined", r.Error)
}
