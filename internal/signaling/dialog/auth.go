package dialog

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// authorize answers a 401/407 digest challenge by adding credentials to req
// and preparing it to be sent as a new transaction.
func authorize(req *sip.Request, res *sip.Response, username, password string) error {
	challengeHdr, credHdr := "WWW-Authenticate", "Authorization"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		challengeHdr, credHdr = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := res.GetHeader(challengeHdr)
	if h == nil {
		return fmt.Errorf("%d response without %s header", res.StatusCode, challengeHdr)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return fmt.Errorf("parse digest challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: password,
	})
	if err != nil {
		return fmt.Errorf("compute digest: %w", err)
	}

	req.RemoveHeader(credHdr)
	req.AppendHeader(sip.NewHeader(credHdr, cred.String()))

	// New transaction: the client adds a fresh Via, CSeq moves on.
	req.RemoveHeader("Via")
	if cseq := req.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	return nil
}

func isAuthChallenge(code sip.StatusCode) bool {
	return code == sip.StatusUnauthorized || code == sip.StatusProxyAuthRequired
}
