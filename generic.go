package oauth

import (
	"fmt"
	"net/url"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

func isSafeAndParsed(ustr string, allowInsecure bool) (*url.URL, error) {
	u, err := url.Parse(ustr)
	if err != nil {
		return nil, err
	}

	if u.Scheme != "https" && !(allowInsecure && u.Scheme == "http") {
		return nil, fmt.Errorf("input url is not https")
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("url hostname was empty")
	}

	if u.User != nil {
		return nil, fmt.Errorf("url user was not empty")
	}

	return u, nil
}

type JwksResponseObject struct {
	Keys []jwk.Key `json:"keys"`
}

func CreateJwksResponseObject(kp *KeyPair) (*JwksResponseObject, error) {
	pub, err := kp.PublicJwk()
	if err != nil {
		return nil, err
	}

	return &JwksResponseObject{
		Keys: []jwk.Key{pub},
	}, nil
}

// origin returns scheme://host of a url, which keys remembered dpop nonces.
func origin(ustr string) string {
	u, err := url.Parse(ustr)
	if err != nil {
		return ustr
	}

	return u.Scheme + "://" + u.Host
}
