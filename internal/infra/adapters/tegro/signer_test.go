package tegro

import (
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/require"
)

func recoverAddress(t *testing.T, digest []byte, signature string) string {
	t.Helper()
	sig, err := hexutil.Decode(signature)
	require.NoError(t, err)
	require.Len(t, sig, crypto.SignatureLength)
	require.Contains(t, []byte{27, 28}, sig[crypto.RecoveryIDOffset])
	sig[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(digest, sig)
	require.NoError(t, err)
	return crypto.PubkeyToAddress(*pub).Hex()
}

func TestNewKeySignerDerivesWalletAddress(t *testing.T) {
	withPrefix, err := NewKeySigner(testPrivateKey)
	require.NoError(t, err)
	withoutPrefix, err := NewKeySigner(testPrivateKey[2:])
	require.NoError(t, err)

	require.Equal(t, testWallet, withPrefix.Address().Hex())
	require.Equal(t, withPrefix.Address(), withoutPrefix.Address())

	_, err = NewKeySigner("not-a-key")
	require.Error(t, err)
}

func TestSignMessageIsDeterministicAndRecoverable(t *testing.T) {
	signer, err := NewKeySigner(testPrivateKey)
	require.NoError(t, err)

	first, err := SignMessage(signer, testWallet)
	require.NoError(t, err)
	second, err := SignMessage(signer, testWallet)
	require.NoError(t, err)
	require.Equal(t, first, second)

	digest := accounts.TextHash([]byte(testWallet))
	require.Equal(t, testWallet, recoverAddress(t, digest, first))
}

func TestSignMessageRequiresSigner(t *testing.T) {
	_, err := SignMessage(nil, testWallet)
	require.Error(t, err)
}

func TestSignTypedDataFromGenerateReply(t *testing.T) {
	var typed typedDataResponse
	require.NoError(t, decodeEnvelope([]byte(typedDataBody), &typed))

	td, err := typed.typedData()
	require.NoError(t, err)
	require.Equal(t, "Order", td.PrimaryType)
	require.Len(t, td.Types["EIP712Domain"], 4)
	require.Equal(t, "2500000000", td.Message["price"])
	require.Equal(t, "277028180", td.Message["salt"])
	require.Equal(t, true, td.Message["isBuy"])

	signer, err := NewKeySigner(testPrivateKey)
	require.NoError(t, err)
	signature, err := SignTypedData(signer, td)
	require.NoError(t, err)

	digest, _, err := apitypes.TypedDataAndHash(td)
	require.NoError(t, err)
	require.Equal(t, testWallet, recoverAddress(t, digest, signature))
}

func TestTypedDataRejectsMissingOrderType(t *testing.T) {
	_, err := typedDataResponse{}.typedData()
	require.Error(t, err)

	bad := typedDataResponse{
		SignData:   signData{Types: map[string][]apitypes.Type{"Order": {{Name: "price", Type: "uint256"}}}},
		LimitOrder: limitOrderData{RawOrderData: "{not json"},
	}
	_, err = bad.typedData()
	require.Error(t, err)
}
