package oauth

import (
	"encoding/json"
	"fmt"
	"net/url"
)

const (
	ClientAssertionTypeJwtBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	RequestUriPrefix             = "urn:ietf:params:oauth:request_uri:"
	TokenTypeDpop                = "DPoP"
)

type OauthAuthorizationMetadata struct {
	Issuer                                     string   `json:"issuer"`
	RequestParameterSupported                  bool     `json:"request_parameter_supported"`
	RequestUriParameterSupported               bool     `json:"request_uri_parameter_supported"`
	ScopesSupported                            []string `json:"scopes_supported"`
	ResponseTypesSupported                     []string `json:"response_types_supported"`
	ResponseModesSupported                     []string `json:"response_modes_supported"`
	GrantTypesSupported                        []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported"`
	AuthorizationResponseISSParameterSupported bool     `json:"authorization_response_iss_parameter_supported"`
	JwksUri                                    string   `json:"jwks_uri"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint"`
	TokenEndpointAuthMethodsSupported          []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	PushedAuthorizationRequestEndpoint         string   `json:"pushed_authorization_request_endpoint"`
	RequirePushedAuthorizationRequests         bool     `json:"require_pushed_authorization_requests"`
	DpopSigningAlgValuesSupported              []string `json:"dpop_signing_alg_values_supported"`
}

// Validate checks the metadata against the FAPI 2.0 profile this client speaks.
func (oam *OauthAuthorizationMetadata) Validate(fetch_url *url.URL, allowInsecure bool) error {
	if fetch_url == nil {
		return fmt.Errorf("fetch_url was nil")
	}

	iu, err := url.Parse(oam.Issuer)
	if err != nil {
		return err
	}

	if iu.Hostname() != fetch_url.Hostname() {
		return fmt.Errorf("issuer hostname does not match fetch url hostname")
	}

	if iu.Scheme != "https" && !allowInsecure {
		return fmt.Errorf("issuer url is not https")
	}

	if iu.RawQuery != "" {
		return fmt.Errorf("issuer url params are not empty")
	}

	if !tokenInSet("code", oam.ResponseTypesSupported) {
		return fmt.Errorf("`code` is not in response_types_supported")
	}

	if !tokenInSet("authorization_code", oam.GrantTypesSupported) {
		return fmt.Errorf("`authorization_code` is not in grant_types_supported")
	}

	if !tokenInSet("S256", oam.CodeChallengeMethodsSupported) {
		return fmt.Errorf("`S256` is not in code_challenge_methods_supported")
	}

	if !tokenInSet("private_key_jwt", oam.TokenEndpointAuthMethodsSupported) {
		return fmt.Errorf("`private_key_jwt` is not in token_endpoint_auth_methods_supported")
	}

	if !tokenInSet("ES256", oam.TokenEndpointAuthSigningAlgValuesSupported) {
		return fmt.Errorf("`ES256` is not in token_endpoint_auth_signing_alg_values_supported")
	}

	if oam.PushedAuthorizationRequestEndpoint == "" {
		return fmt.Errorf("pushed_authorization_request_endpoint is empty")
	}

	if !oam.RequirePushedAuthorizationRequests {
		return fmt.Errorf("require_pushed_authorization_requests is false")
	}

	if !tokenInSet("ES256", oam.DpopSigningAlgValuesSupported) {
		return fmt.Errorf("`ES256` is not in dpop_signing_alg_values_supported")
	}

	if oam.TokenEndpoint == "" || oam.AuthorizationEndpoint == "" {
		return fmt.Errorf("token_endpoint and authorization_endpoint are required")
	}

	return nil
}

func (oam *OauthAuthorizationMetadata) UnmarshalJSON(b []byte) error {
	type Tmp OauthAuthorizationMetadata
	var tmp Tmp

	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}

	*oam = OauthAuthorizationMetadata(tmp)

	return nil
}

type SendParAuthResponse struct {
	RequestUri string `json:"request_uri"`
	ExpiresIn  int64  `json:"expires_in"`
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	Sub          string `json:"sub,omitempty"`
	ConsentId    string `json:"consent_id,omitempty"`
}

// OauthErrorResponse is the RFC 6749 error body.
type OauthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func tokenInSet(token string, set []string) bool {
	for _, s := range set {
		if s == token {
			return true
		}
	}
	return false
}
