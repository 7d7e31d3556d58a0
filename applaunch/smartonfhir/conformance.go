package smartonfhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/fujionclinical/smartlaunch/lib/to"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// ErrConformance is returned when a FHIR server's capability statement does
// not advertise usable SMART OAuth2 endpoints. The launch cannot proceed and
// is not retried.
var ErrConformance = errors.New("unusable capability statement")

// SMART's well-known extension carrying the OAuth2 endpoint URIs.
const oauthURIsExtensionURL = "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris"

var originPattern = regexp.MustCompile(`^https?://[^/]+`)

// oauthEndpoints holds the OAuth2 endpoints extracted from a capability
// statement.
type oauthEndpoints struct {
	AuthorizeURI string
	TokenURI     string
}

// resolveOAuthEndpoints fetches {serviceBaseURI}/metadata and extracts the
// authorize and token endpoint URIs from the SMART oauth-uris extension on
// the first REST entry's security declaration.
func resolveOAuthEndpoints(ctx context.Context, httpClient *http.Client, serviceBaseURI string) (*oauthEndpoints, error) {
	metadataURL := strings.TrimSuffix(serviceBaseURI, "/") + "/metadata"
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, err
	}
	httpRequest.Header.Set("Accept", "application/fhir+json")
	httpResponse, err := httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", ErrConformance, metadataURL, err)
	}
	defer httpResponse.Body.Close()
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: unexpected status %d from %s", ErrConformance, httpResponse.StatusCode, metadataURL)
	}
	var capabilityStatement fhir.CapabilityStatement
	if err := json.NewDecoder(httpResponse.Body).Decode(&capabilityStatement); err != nil {
		return nil, fmt.Errorf("%w: decode capability statement: %v", ErrConformance, err)
	}
	return extractOAuthEndpoints(capabilityStatement, serviceBaseURI)
}

func extractOAuthEndpoints(capabilityStatement fhir.CapabilityStatement, serviceBaseURI string) (*oauthEndpoints, error) {
	if len(capabilityStatement.Rest) == 0 || capabilityStatement.Rest[0].Security == nil {
		return nil, fmt.Errorf("%w: no REST security declaration", ErrConformance)
	}
	for _, extension := range capabilityStatement.Rest[0].Security.Extension {
		if extension.Url != oauthURIsExtensionURL {
			continue
		}
		result := &oauthEndpoints{}
		for _, nested := range extension.Extension {
			uri := resolveURI(to.Empty(nested.ValueUri), serviceBaseURI)
			switch nested.Url {
			case "authorize":
				result.AuthorizeURI = uri
			case "token":
				result.TokenURI = uri
			}
		}
		if result.AuthorizeURI == "" || result.TokenURI == "" {
			return nil, fmt.Errorf("%w: oauth-uris extension lacks authorize or token URI", ErrConformance)
		}
		return result, nil
	}
	return nil, fmt.Errorf("%w: no SMART oauth-uris extension", ErrConformance)
}

// resolveURI rewrites a path-only URI against the scheme and host of the
// service base URI. Absolute URIs pass through untouched.
func resolveURI(uri string, serviceBaseURI string) string {
	if !strings.HasPrefix(uri, "/") {
		return uri
	}
	origin := originPattern.FindString(serviceBaseURI)
	if origin == "" {
		return uri
	}
	return origin + uri
}
