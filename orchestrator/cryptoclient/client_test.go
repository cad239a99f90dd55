package cryptoclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateEncryptedTally(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, tallyPath, r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req TallyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, int64(42), req.ElectionID)
		require.Equal(t, []string{"b1", "b2"}, req.BallotIDs)

		w.Header().Set("Content-Type", "application/json")
		_, err := w.Write([]byte(`{"encrypted_tally":{"contests":{}}}`))
		require.NoError(t, err)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL)
	require.NoError(t, err)

	resp, err := client.CreateEncryptedTally(context.Background(), &TallyRequest{
		ElectionID:     42,
		BallotIDs:      []string{"b1", "b2"},
		JointPublicKey: "jpk",
		CommitmentHash: "ch",
		Manifest:       json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"contests":{}}`, string(resp.EncryptedTally))
}

func TestPost_NonOKStatusSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quorum below threshold", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL)
	require.NoError(t, err)

	_, err = client.CreatePartialDecryption(context.Background(), &PartialDecryptionRequest{GuardianID: "g1"})
	require.Error(t, err)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusUnprocessableEntity, statusErr.Code)
	require.Contains(t, statusErr.Body, "quorum below threshold")
}

func TestHealth(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, healthPath, r.URL.Path)
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL)
	require.NoError(t, err)
	require.NoError(t, client.Health(context.Background()))

	healthy = false
	err = client.Health(context.Background())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	_, err := NewClient("ftp://crypto.internal")
	require.Error(t, err)
}

func TestCombineDecryptionShares(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, combinePath, r.URL.Path)
		var req CombineRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.PartialShares, 2)
		require.Len(t, req.CompensatedShares, 1)
		w.Header().Set("Content-Type", "application/json")
		_, err := w.Write([]byte(`{"election_result":{"tally":[3,1,4]}}`))
		require.NoError(t, err)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL)
	require.NoError(t, err)

	resp, err := client.CombineDecryptionShares(context.Background(), &CombineRequest{
		EncryptedTally:    json.RawMessage(`{}`),
		PartialShares:     []json.RawMessage{json.RawMessage(`{}`), json.RawMessage(`{}`)},
		CompensatedShares: []json.RawMessage{json.RawMessage(`{}`)},
		NumberOfGuardians: 3,
		Quorum:            2,
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"tally":[3,1,4]}`, string(resp.Result))
}
