package smartonfhir

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/fujionclinical/smartlaunch/applaunch/session"
	"github.com/fujionclinical/smartlaunch/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSetup struct {
	service    *Service
	sessions   *session.Store
	appURL     string
	fhirServer *httptest.Server

	tokenRequests    int
	tokenRequestForm url.Values
	fhirAuthHeader   string
}

func newTestSetup(t *testing.T, configure func(*Config), strictMode bool) *testSetup {
	setup := &testSetup{}

	authServerMux := http.NewServeMux()
	authServer := httptest.NewServer(authServerMux)
	t.Cleanup(authServer.Close)
	authServerMux.HandleFunc("POST /token", func(response http.ResponseWriter, request *http.Request) {
		setup.tokenRequests++
		require.NoError(t, request.ParseForm())
		setup.tokenRequestForm = request.PostForm
		response.Header().Set("Content-Type", "application/json")
		_, _ = response.Write([]byte(`{"access_token": "tok1", "token_type": "Bearer", "expires_in": 3600, "patient": "p1"}`))
	})

	fhirServerMux := http.NewServeMux()
	setup.fhirServer = httptest.NewServer(fhirServerMux)
	t.Cleanup(setup.fhirServer.Close)
	fhirServerMux.HandleFunc("GET /metadata", func(response http.ResponseWriter, request *http.Request) {
		_, _ = response.Write([]byte(capabilityStatementJSON(authServer.URL+"/authorize", authServer.URL+"/token")))
	})
	fhirServerMux.HandleFunc("GET /Patient/p1", func(response http.ResponseWriter, request *http.Request) {
		setup.fhirAuthHeader = request.Header.Get("Authorization")
		_, _ = response.Write([]byte(`{"resourceType": "Patient", "id": "p1", "gender": "male", "birthDate": "1980-05-15"}`))
	})
	emptyBundle := func(response http.ResponseWriter, request *http.Request) {
		_, _ = response.Write([]byte(`{"resourceType": "Bundle", "type": "searchset", "total": 0}`))
	}
	fhirServerMux.HandleFunc("GET /Condition", emptyBundle)
	fhirServerMux.HandleFunc("GET /Observation", emptyBundle)

	config := DefaultConfig()
	config.Enabled = true
	config.ClientID = "test-client"
	if configure != nil {
		configure(&config)
	}

	appMux := http.NewServeMux()
	appServer := httptest.NewServer(appMux)
	t.Cleanup(appServer.Close)
	setup.appURL = appServer.URL
	appBaseURL, err := url.Parse(appServer.URL)
	require.NoError(t, err)

	setup.sessions = session.NewStore(time.Minute)
	t.Cleanup(setup.sessions.Close)
	setup.service = New(config, setup.sessions, relay.NewRegistry(), appBaseURL, strictMode)
	setup.service.RegisterHandlers(appMux)
	return setup
}

// noRedirectClient returns the error-free response of the first request
// without following redirects.
func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(request *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (s *testSetup) launch(t *testing.T) *url.URL {
	httpResponse, err := noRedirectClient().Get(s.appURL + "/smart-app-launch?iss=" + url.QueryEscape(s.fhirServer.URL) + "&launch=launch123")
	require.NoError(t, err)
	defer httpResponse.Body.Close()
	require.Equal(t, http.StatusFound, httpResponse.StatusCode)
	authorizeURL, err := url.Parse(httpResponse.Header.Get("Location"))
	require.NoError(t, err)
	return authorizeURL
}

func TestService_Launch(t *testing.T) {
	setup := newTestSetup(t, nil, false)

	authorizeURL := setup.launch(t)

	assert.Equal(t, "/authorize", authorizeURL.Path)
	query := authorizeURL.Query()
	assert.Equal(t, "code", query.Get("response_type"))
	assert.Equal(t, "test-client", query.Get("client_id"))
	assert.Equal(t, setup.appURL+"/smart-app-launch/redirect", query.Get("redirect_uri"))
	assert.Equal(t, setup.fhirServer.URL, query.Get("aud"))
	assert.Equal(t, "launch123", query.Get("launch"))
	assert.Equal(t, "launch patient/*.read openid user/*.read profile", query.Get("scope"))
	require.NotEmpty(t, query.Get("state"))

	var record LaunchSession
	require.NoError(t, setup.sessions.Get(query.Get("state"), &record))
	assert.Equal(t, setup.fhirServer.URL, record.ServiceURI)
	assert.Equal(t, "launch123", record.Launch)
	assert.True(t, strings.HasSuffix(record.TokenURI, "/token"))
}

func TestService_Launch_MissingIss(t *testing.T) {
	t.Run("default mode includes the error detail", func(t *testing.T) {
		setup := newTestSetup(t, nil, false)

		httpResponse, err := http.Get(setup.appURL + "/smart-app-launch")

		require.NoError(t, err)
		defer httpResponse.Body.Close()
		require.Equal(t, http.StatusBadRequest, httpResponse.StatusCode)
		body, _ := io.ReadAll(httpResponse.Body)
		assert.Contains(t, string(body), "invalid iss parameter")
	})
	t.Run("strict mode withholds the error detail", func(t *testing.T) {
		setup := newTestSetup(t, nil, true)

		httpResponse, err := http.Get(setup.appURL + "/smart-app-launch")

		require.NoError(t, err)
		defer httpResponse.Body.Close()
		require.Equal(t, http.StatusBadRequest, httpResponse.StatusCode)
		body, _ := io.ReadAll(httpResponse.Body)
		assert.NotContains(t, string(body), "invalid iss parameter")
		assert.Contains(t, string(body), "id=")
	})
}

func TestService_Redirect(t *testing.T) {
	setup := newTestSetup(t, nil, false)
	state := setup.launch(t).Query().Get("state")

	httpResponse, err := http.Get(setup.appURL + "/smart-app-launch/redirect?state=" + url.QueryEscape(state) + "&code=code1")

	require.NoError(t, err)
	defer httpResponse.Body.Close()
	require.Equal(t, http.StatusOK, httpResponse.StatusCode)
	assert.Equal(t, "application/json", httpResponse.Header.Get("Content-Type"))

	var result map[string]any
	require.NoError(t, json.NewDecoder(httpResponse.Body).Decode(&result))
	assert.Equal(t, "M", result["sex"])
	assert.Equal(t, true, result["healthy"])
	assert.NotNil(t, result["age"])
	assert.Nil(t, result["asbestos"])

	assert.Equal(t, "Bearer tok1", setup.fhirAuthHeader)
	assert.Equal(t, 1, setup.tokenRequests)
	assert.Equal(t, "code1", setup.tokenRequestForm.Get("code"))
	// The launch session is single-use.
	var record LaunchSession
	assert.ErrorIs(t, setup.sessions.Get(state, &record), session.ErrNotFound)
}

func TestService_Redirect_UnknownState(t *testing.T) {
	setup := newTestSetup(t, nil, false)

	httpResponse, err := http.Get(setup.appURL + "/smart-app-launch/redirect?state=bogus&code=code1")

	require.NoError(t, err)
	defer httpResponse.Body.Close()
	require.Equal(t, http.StatusBadRequest, httpResponse.StatusCode)
	// The failure is detected before any outbound call is made.
	assert.Equal(t, 0, setup.tokenRequests)
	assert.Empty(t, setup.fhirAuthHeader)
}

func TestService_Redirect_ConfidentialClient(t *testing.T) {
	setup := newTestSetup(t, func(config *Config) {
		config.ClientSecret = "sssht"
	}, false)
	state := setup.launch(t).Query().Get("state")

	httpResponse, err := http.Get(setup.appURL + "/smart-app-launch/redirect?state=" + url.QueryEscape(state) + "&code=code1")

	require.NoError(t, err)
	defer httpResponse.Body.Close()
	require.Equal(t, http.StatusOK, httpResponse.StatusCode)
	// Confidential clients authenticate with Basic credentials, not form
	// parameters.
	assert.Empty(t, setup.tokenRequestForm.Get("client_secret"))
}

func TestService_Redirect_RiskCalculator(t *testing.T) {
	setup := newTestSetup(t, func(config *Config) {
		config.RiskCalculatorURL = "https://calc.example.org"
	}, false)
	state := setup.launch(t).Query().Get("state")

	httpResponse, err := http.Get(setup.appURL + "/smart-app-launch/redirect?state=" + url.QueryEscape(state) + "&code=code1")

	require.NoError(t, err)
	defer httpResponse.Body.Close()
	require.Equal(t, http.StatusOK, httpResponse.StatusCode)
	assert.Equal(t, "text/html", httpResponse.Header.Get("Content-Type"))

	body, _ := io.ReadAll(httpResponse.Body)
	frameSrc := regexp.MustCompile(`src="([^"]+)"`).FindStringSubmatch(string(body))
	require.Len(t, frameSrc, 2)
	require.True(t, strings.HasPrefix(frameSrc[1], "https://calc.example.org/api/"))

	encoded, err := url.QueryUnescape(strings.TrimPrefix(frameSrc[1], "https://calc.example.org/api/"))
	require.NoError(t, err)
	payload, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	var envelope map[string]map[string]any
	require.NoError(t, json.Unmarshal(payload, &envelope))
	assert.Equal(t, "M", envelope["profile"]["sex"])
}

type fakeFrame struct {
	posted []any
}

func (f *fakeFrame) PostMessage(payload any) {
	f.posted = append(f.posted, payload)
}

func TestService_OnRequest(t *testing.T) {
	setup := newTestSetup(t, nil, false)
	frame := &fakeFrame{}
	setup.service.frames.Register(frame, setup.service)

	t.Run("no profile assembled yet", func(t *testing.T) {
		setup.service.frames.Dispatch(frame, relay.Message{"messageId": "m1", "messageType": relay.EventRequest})
		assert.Empty(t, frame.posted)
	})
	t.Run("responds with the latest profile", func(t *testing.T) {
		state := setup.launch(t).Query().Get("state")
		httpResponse, err := http.Get(setup.appURL + "/smart-app-launch/redirect?state=" + url.QueryEscape(state) + "&code=code1")
		require.NoError(t, err)
		httpResponse.Body.Close()
		require.Equal(t, http.StatusOK, httpResponse.StatusCode)

		require.True(t, setup.service.frames.Dispatch(frame, relay.Message{"messageId": "m2", "messageType": relay.EventRequest}))

		require.Len(t, frame.posted, 1)
		response, ok := frame.posted[0].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "m2", response["messageId"])
		assert.Equal(t, relay.EventResponse, response["messageType"])
		assert.NotNil(t, response["payload"])
	})
}
