package airtel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCallbackSuccess(t *testing.T) {
	payload := `{
	  "transaction": {
	    "id": "01HV3ZJXJ4T1Q6R8S9ABCDEF01",
	    "message": "Paid KES 10000 to RENTPAY",
	    "status_code": "TS",
	    "airtel_money_id": "C3648.0000.123456"
	  }
	}`

	cb, err := ParseCallback([]byte(payload))
	require.NoError(t, err)

	assert.Equal(t, "airtel", cb.Provider)
	assert.Equal(t, "01HV3ZJXJ4T1Q6R8S9ABCDEF01", cb.CorrelationID)
	assert.True(t, cb.Succeeded())
	assert.Equal(t, "C3648.0000.123456", cb.ReceiptNumber)
}

func TestParseCallbackFailure(t *testing.T) {
	payload := `{
	  "transaction": {
	    "id": "01HV3ZJXJ4T1Q6R8S9ABCDEF02",
	    "message": "Insufficient balance",
	    "status_code": "TF"
	  }
	}`

	cb, err := ParseCallback([]byte(payload))
	require.NoError(t, err)

	assert.False(t, cb.Succeeded())
	assert.Equal(t, "Insufficient balance", cb.ResultDesc)
}

func TestParseCallbackRejectsMissingTransactionID(t *testing.T) {
	_, err := ParseCallback([]byte(`{"transaction":{"status_code":"TS"}}`))
	assert.Error(t, err)

	_, err = ParseCallback([]byte(`not json`))
	assert.Error(t, err)
}

func TestStatusResultCode(t *testing.T) {
	assert.Equal(t, 0, statusResultCode("TS"))
	assert.Equal(t, 1, statusResultCode("TF"))
	assert.Equal(t, 1, statusResultCode(""))
}
