package africastalking_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/orderdesk/core/notify"
	"github.com/relabs-tech/orderdesk/core/notify/africastalking"
)

const successResponse = `{"SMSMessageData":{"Message":"Sent to 2/2 Total Cost: KES 1.6000","Recipients":[{"statusCode":101,"number":"+254777777777","status":"Success","cost":"KES 0.8000","messageId":"ATXid_1"},{"statusCode":101,"number":"+254711111111","status":"Success","cost":"KES 0.8000","messageId":"ATXid_2"}]}}`

var _ notify.Gateway = (*africastalking.Client)(nil)

func TestNew(t *testing.T) {
	_, err := africastalking.New(africastalking.Config{APIKey: "key"}, nil)
	assert.Error(t, err)
	_, err = africastalking.New(africastalking.Config{Username: "sandbox"}, nil)
	assert.Error(t, err)
	_, err = africastalking.New(africastalking.Config{Username: "sandbox", APIKey: "key", Sandbox: true}, nil)
	assert.NoError(t, err)
}

func TestSend(t *testing.T) {
	var got *http.Request
	var form map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got, form = r, r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(successResponse))
	}))
	defer server.Close()

	client, err := africastalking.New(africastalking.Config{Username: "sandbox", APIKey: "secret", BaseURL: server.URL}, server.Client())
	require.NoError(t, err)

	response, err := client.Send(context.Background(), "Hello Jane Doe.", []string{"+254777777777", "+254711111111"}, "12345")
	require.NoError(t, err)
	assert.JSONEq(t, successResponse, string(response))

	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/version1/messaging", got.URL.Path)
	assert.Equal(t, "secret", got.Header.Get("apiKey"))
	assert.Equal(t, "application/json", got.Header.Get("Accept"))
	assert.Equal(t, []string{"sandbox"}, form["username"])
	assert.Equal(t, []string{"+254777777777,+254711111111"}, form["to"])
	assert.Equal(t, []string{"Hello Jane Doe."}, form["message"])
	assert.Equal(t, []string{"12345"}, form["from"])
}

func TestSend_WithoutSender(t *testing.T) {
	var form map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form = r.PostForm
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(successResponse))
	}))
	defer server.Close()

	client, err := africastalking.New(africastalking.Config{Username: "sandbox", APIKey: "secret", BaseURL: server.URL}, server.Client())
	require.NoError(t, err)
	_, err = client.Send(context.Background(), "Hello", []string{"+254777777777"}, "")
	require.NoError(t, err)
	assert.NotContains(t, form, "from")
}

func TestSend_Errors(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		body   string
		msg    string
	}{
		{"unauthorized", http.StatusUnauthorized, "The supplied authentication is invalid", "africastalking: status 401: The supplied authentication is invalid"},
		{"server error", http.StatusInternalServerError, "", "africastalking: status 500: "},
		{"not json", http.StatusCreated, "ok", "africastalking: unexpected response (status 201): ok"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			client, err := africastalking.New(africastalking.Config{Username: "sandbox", APIKey: "secret", BaseURL: server.URL}, server.Client())
			require.NoError(t, err)

			response, err := client.Send(context.Background(), "Hello", []string{"+254777777777"}, "")
			assert.Nil(t, response)
			assert.EqualError(t, err, tc.msg)
		})
	}
}

func TestSend_ThroughNotifier(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("The supplied authentication is invalid"))
	}))
	defer server.Close()

	client, err := africastalking.New(africastalking.Config{Username: "sandbox", APIKey: "wrong", BaseURL: server.URL}, server.Client())
	require.NoError(t, err)

	result := notify.NewNotifier(client, "").Send(context.Background(), "Hello", []string{"+254777777777"})
	assert.False(t, result.OK())
	assert.True(t, result.Retryable())
	assert.Contains(t, result.Error, "status 401")
}
