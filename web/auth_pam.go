//go:build pam

package web

import (
	"net/http"

	"github.com/msteinert/pam"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func init() {
	authFuncs["pam"] = authPam
}

// check user and password against the local system accounts
func authPam(user, pass string, r *http.Request) bool {
	t, err := pam.StartFunc("", "", func(s pam.Style, msg string) (string, error) {
		switch s {
		case pam.PromptEchoOn:
			return user, nil
		case pam.PromptEchoOff:
			return pass, nil
		default:
			return "", errors.New("unexpected style")
		}
	})
	if err != nil {
		log.Error("pam auth error: ", err)
		return false
	}
	ok := t.Authenticate(0) == nil
	log.Debugf("pam auth %s from %s: %v", user, r.RemoteAddr, ok)
	return ok
}
