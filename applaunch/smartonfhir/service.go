// Package smartonfhir implements the SMART on FHIR app-launch sequence: it
// discovers a FHIR server's OAuth2 endpoints from its capability statement,
// redirects the browser to the authorization server, exchanges the returned
// authorization code for an access token, and runs the clinical profile
// pipeline against the FHIR server with that token.
package smartonfhir

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"sync"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/fujionclinical/smartlaunch/applaunch/session"
	"github.com/fujionclinical/smartlaunch/lib/querystring"
	"github.com/fujionclinical/smartlaunch/profile"
	"github.com/fujionclinical/smartlaunch/relay"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

var (
	// ErrSessionExpired is returned when the redirect page cannot find the
	// launch session referenced by the state parameter, e.g. because the
	// record expired or the state value was tampered with.
	ErrSessionExpired = errors.New("launch session expired")
	// ErrTokenExchange is returned when the authorization code cannot be
	// exchanged for a usable access token.
	ErrTokenExchange = errors.New("token exchange failed")
)

// LaunchSession is written before redirecting to the authorization server and
// read back exactly once when the browser returns. Field names mirror the
// record's serialized form.
type LaunchSession struct {
	ClientID    string `json:"clientId"`
	ServiceURI  string `json:"serviceUri"`
	RedirectURI string `json:"redirectUri"`
	TokenURI    string `json:"tokenUri"`
	Scope       string `json:"scope"`
	Secret      string `json:"secret,omitempty"`
	// Passthrough launch parameters.
	Iss    string `json:"iss,omitempty"`
	Launch string `json:"launch,omitempty"`
}

type Service struct {
	config     Config
	sessions   *session.Store
	frames     *relay.Registry
	baseURL    *url.URL
	strictMode bool
	httpClient *http.Client

	mu          sync.Mutex
	lastProfile *profile.Profile
}

// New creates the app-launch service. baseURL is the public base URL this
// service is reachable on; the redirect URI is derived from it.
func New(config Config, sessions *session.Store, frames *relay.Registry, baseURL *url.URL, strictMode bool) *Service {
	return &Service{
		config:     config,
		sessions:   sessions,
		frames:     frames,
		baseURL:    baseURL,
		strictMode: strictMode,
		httpClient: http.DefaultClient,
	}
}

func (s *Service) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /smart-app-launch", s.handleLaunch)
	mux.HandleFunc("GET /smart-app-launch/redirect", s.handleRedirect)
}

// handleLaunch starts the launch: it resolves the issuer's OAuth2 endpoints,
// persists a launch session keyed by a fresh state value, and redirects the
// browser to the authorization endpoint.
func (s *Service) handleLaunch(response http.ResponseWriter, request *http.Request) {
	params := querystring.Decode(request.URL.RawQuery)
	iss := params["iss"]
	launchContextID := params["launch"]
	log.Info().Str("iss", iss).Msg("SMART on FHIR app launch request")
	if iss == "" {
		s.sendError(response, http.StatusBadRequest, errors.New("invalid iss parameter"))
		return
	}

	endpoints, err := resolveOAuthEndpoints(request.Context(), s.httpClient, iss)
	if err != nil {
		s.sendError(response, http.StatusInternalServerError, err)
		return
	}

	redirectURI := s.redirectURI()
	sessionKey := session.NewSessionKey()
	record := LaunchSession{
		ClientID:    s.config.ClientID,
		ServiceURI:  iss,
		RedirectURI: redirectURI,
		TokenURI:    endpoints.TokenURI,
		Scope:       s.config.Scope,
		Secret:      s.config.ClientSecret,
		Iss:         iss,
		Launch:      launchContextID,
	}
	if err := s.sessions.Put(sessionKey, record); err != nil {
		s.sendError(response, http.StatusInternalServerError, err)
		return
	}

	oauthConfig := oauth2.Config{
		ClientID:    s.config.ClientID,
		RedirectURL: redirectURI,
		Scopes:      strings.Fields(s.config.Scope),
		Endpoint: oauth2.Endpoint{
			AuthURL:  endpoints.AuthorizeURI,
			TokenURL: endpoints.TokenURI,
		},
	}
	authURL := oauthConfig.AuthCodeURL(sessionKey,
		oauth2.SetAuthURLParam("aud", iss),
		oauth2.SetAuthURLParam("launch", launchContextID),
	)
	http.Redirect(response, request, authURL, http.StatusFound)
}

// handleRedirect completes the launch: it loads the launch session referenced
// by the state parameter, exchanges the authorization code for an access
// token, runs the profile pipeline, and delivers the result.
func (s *Service) handleRedirect(response http.ResponseWriter, request *http.Request) {
	params := querystring.Decode(request.URL.RawQuery)
	state := params["state"]
	code := params["code"]

	var record LaunchSession
	if err := s.sessions.Get(state, &record); err != nil {
		s.sendError(response, http.StatusBadRequest, fmt.Errorf("%w: no launch session for state parameter", ErrSessionExpired))
		return
	}

	ctx := context.WithValue(request.Context(), oauth2.HTTPClient, s.httpClient)
	token, err := s.exchangeCode(ctx, record, code)
	if err != nil {
		s.sendError(response, http.StatusBadGateway, err)
		return
	}
	// The launch session is consumed; a replayed state must not succeed.
	s.sessions.Delete(state)

	patientID, _ := token.Extra("patient").(string)
	if patientID == "" {
		s.sendError(response, http.StatusBadGateway, fmt.Errorf("%w: token response does not identify a patient", ErrTokenExchange))
		return
	}
	log.Info().Str("patient", patientID).Msg("SMART on FHIR app launch succeeded")

	serviceURL, err := url.Parse(record.ServiceURI)
	if err != nil {
		s.sendError(response, http.StatusInternalServerError, err)
		return
	}
	pipeline := profile.NewPipeline(fhirclient.New(serviceURL, oauth2.NewClient(ctx, oauth2.StaticTokenSource(token)), fhirClientConfig()))
	result, err := pipeline.Run(ctx, profile.AuthorizationResult{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		PatientID:   patientID,
		Expiry:      token.Expiry,
	})
	if err != nil {
		s.sendError(response, http.StatusBadGateway, err)
		return
	}

	s.setLastProfile(result)
	if s.config.RiskCalculatorURL != "" {
		s.renderRiskCalculator(response, result)
		return
	}
	response.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(response).Encode(result)
}

// exchangeCode posts the authorization code to the token endpoint stored in
// the launch session. A confidential client (stored secret) authenticates
// with HTTP Basic credentials; a public client passes its ID in the body.
func (s *Service) exchangeCode(ctx context.Context, record LaunchSession, code string) (*oauth2.Token, error) {
	authStyle := oauth2.AuthStyleInParams
	if record.Secret != "" {
		authStyle = oauth2.AuthStyleInHeader
	}
	oauthConfig := oauth2.Config{
		ClientID:     record.ClientID,
		ClientSecret: record.Secret,
		RedirectURL:  record.RedirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL:  record.TokenURI,
			AuthStyle: authStyle,
		},
	}
	token, err := oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	return token, nil
}

// OnRequest answers a request from an embedded frame with the most recently
// assembled profile. Requests arriving before a profile exists are ignored.
func (s *Service) OnRequest(message relay.Message) {
	if s.frames == nil {
		return
	}
	current := s.lastAssembledProfile()
	if current == nil {
		return
	}
	s.frames.Respond(s, map[string]any{
		"messageId":   message.ID(),
		"messageType": relay.EventResponse,
		"payload":     map[string]any{"profile": current},
	})
}

func (s *Service) redirectURI() string {
	return s.baseURL.JoinPath("smart-app-launch", "redirect").String()
}

func (s *Service) setLastProfile(result *profile.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastProfile = result
}

func (s *Service) lastAssembledProfile() *profile.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProfile
}

const riskCalculatorPage = `<!DOCTYPE html>
<html>
<body style="margin: 0">
<iframe src="%s" style="width: 100%%; height: 100vh; border: none"></iframe>
</body>
</html>`

func (s *Service) renderRiskCalculator(response http.ResponseWriter, result *profile.Profile) {
	frameURL, err := riskCalculatorURL(s.config.RiskCalculatorURL, result)
	if err != nil {
		s.sendError(response, http.StatusInternalServerError, err)
		return
	}
	response.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(response, riskCalculatorPage, html.EscapeString(frameURL))
}

// riskCalculatorURL encodes the profile as a URL-escaped base64 JSON payload
// in the risk calculator's path.
func riskCalculatorURL(base string, result *profile.Profile) (string, error) {
	payload, err := json.Marshal(map[string]any{"profile": result})
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(base, "/") + "/api/" + url.QueryEscape(base64.StdEncoding.EncodeToString(payload)), nil
}

// sendError logs the failure with a generated launch id and reports it to the
// user. In strict mode the error detail is withheld from the response.
func (s *Service) sendError(response http.ResponseWriter, statusCode int, err error) {
	launchID := uuid.NewString()
	log.Error().Err(err).Str("launch_id", launchID).Msg("SMART on FHIR launch failed")
	msg := "SMART on FHIR launch failed (id=" + launchID + ")"
	if !s.strictMode {
		msg += ": " + err.Error()
	}
	http.Error(response, msg, statusCode)
}

func fhirClientConfig() *fhirclient.Config {
	config := fhirclient.DefaultConfig()
	// Searches are plain GETs with query parameters.
	config.UsePostSearch = false
	config.Non2xxStatusHandler = func(response *http.Response, responseBody []byte) {
		log.Debug().Msgf("Non-2xx status from FHIR server (%s %s, status=%d)", response.Request.Method, response.Request.URL, response.StatusCode)
	}
	return &config
}
