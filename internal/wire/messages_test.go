package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfam/openfam/internal/famerrors"
)

func TestStatusRoundTripsThroughError(t *testing.T) {
	err := famerrors.New(famerrors.RegionNotFound, "region 42")
	st := StatusFromError(err)
	require.Equal(t, int(famerrors.RegionNotFound), st.ErrorCode)

	got := st.Err()
	require.True(t, famerrors.Is(got, famerrors.RegionNotFound))
}

func TestOKStatusHasNilErr(t *testing.T) {
	require.Nil(t, OK().Err())
	require.Nil(t, StatusFromError(nil).Err())
}

func TestEnvelopePayloadRoundTrip(t *testing.T) {
	req := CreateRegionRequest{Name: "r1", Size: 1024, Perm: 0o777, UID: 1, GID: 1}
	payload, err := EncodePayload(req)
	require.NoError(t, err)

	env := Envelope{Method: MethodCreateRegion, RequestID: "abc", Payload: payload}
	framed, err := EncodePayload(env)
	require.NoError(t, err)

	var decodedEnv Envelope
	require.NoError(t, DecodePayload(framed, &decodedEnv))
	require.Equal(t, MethodCreateRegion, decodedEnv.Method)

	var decodedReq CreateRegionRequest
	require.NoError(t, DecodePayload(decodedEnv.Payload, &decodedReq))
	require.Equal(t, req, decodedReq)
}

func TestCreateRegionResponseCarriesStatus(t *testing.T) {
	resp := CreateRegionResponse{Status: StatusFromError(famerrors.New(famerrors.RegionExist, "r1")), RegionID: 0}
	require.NotEqual(t, 0, resp.ErrorCode)
	require.True(t, famerrors.Is(resp.Err(), famerrors.RegionExist))
}
