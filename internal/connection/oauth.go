package connection

import (
	"context"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/nucleus/app-core/internal/appdef"
	"github.com/nucleus/app-core/internal/core"
	"github.com/nucleus/app-core/internal/expr"
	"github.com/nucleus/app-core/internal/request"
)

// =============================================================================
// OAUTH FLOW
// authorize() builds the provider redirect URL from the declared authorize
// Call; exchange(code) runs the token Call and persists the mapped credential
// data. The PKCE variant threads a code verifier through both steps.
// =============================================================================

// AuthRequest is a prepared authorization redirect. State and Verifier must
// be held by the caller (session-scoped) until the provider calls back.
type AuthRequest struct {
	URL      string
	State    string
	Verifier string // set only for the PKCE variant
}

// AuthorizeURL builds the provider authorization redirect for an OAuth
// connection. The authorize Call's url and qs templates are evaluated with an
// "oauth" scope binding carrying redirectUri, state, scope and, for PKCE,
// codeChallenge and codeChallengeMethod.
func (m *Manager) AuthorizeURL(app App, connectionID, redirectURI string, params map[string]any) (*AuthRequest, error) {
	def, err := connDef(app, connectionID)
	if err != nil {
		return nil, err
	}
	if def.Type != appdef.ConnOAuth && def.Type != appdef.ConnOAuthPKCE {
		return nil, core.NewConfigurationError("connections."+connectionID, "connection type %q has no authorize flow", def.Type)
	}
	if def.Authorize == nil {
		return nil, core.NewConfigurationError("connections."+connectionID+".authorize", "authorize call missing")
	}

	req := &AuthRequest{State: uuid.NewString()}
	oauthVars := map[string]any{
		"redirectUri": redirectURI,
		"state":       req.State,
		"scope":       strings.Join(def.Scope, scopeSeparator(def)),
	}
	if def.Type == appdef.ConnOAuthPKCE {
		req.Verifier = oauth2.GenerateVerifier()
		oauthVars["codeChallenge"] = oauth2.S256ChallengeFromVerifier(req.Verifier)
		oauthVars["codeChallengeMethod"] = "S256"
	}
	scope := m.baseScope(app, params, nil).With("oauth", expr.FromGo(oauthVars))

	rawURL, err := app.Ev.EvaluateString(def.Authorize.URL, scope)
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(rawURL.Text())
	if err != nil {
		return nil, core.NewConfigurationError("connections."+connectionID+".authorize.url", "invalid url: %v", err)
	}

	qs := parsed.Query()
	evaluated, err := app.Ev.Evaluate(def.Authorize.QS, scope)
	if err != nil {
		return nil, err
	}
	if !evaluated.IsNull() {
		for key, v := range evaluated.Fields() {
			if v.IsNull() {
				continue
			}
			qs.Set(key, v.Text())
		}
	}
	parsed.RawQuery = qs.Encode()
	req.URL = parsed.String()
	return req, nil
}

// Exchange trades an authorization code for tokens by running the token Call
// and persists the resulting ConnectionInstance. verifier is the PKCE code
// verifier from AuthorizeURL, empty for the plain OAuth variant.
func (m *Manager) Exchange(ctx context.Context, app App, connectionID, code, redirectURI, verifier string, params map[string]any) (*core.ConnectionInstance, error) {
	def, err := connDef(app, connectionID)
	if err != nil {
		return nil, err
	}
	if def.Token == nil {
		return nil, core.NewConfigurationError("connections."+connectionID+".token", "token call missing")
	}
	if def.Type == appdef.ConnOAuthPKCE && verifier == "" {
		return nil, core.NewConfigurationError("connections."+connectionID, "pkce exchange requires the code verifier")
	}
	if err := checkRequiredParams(def, connectionID, params); err != nil {
		return nil, err
	}

	oauthVars := map[string]any{
		"code":        code,
		"redirectUri": redirectURI,
	}
	if verifier != "" {
		oauthVars["codeVerifier"] = verifier
	}
	scope := m.baseScope(app, params, nil).With("oauth", expr.FromGo(oauthVars))

	res, err := m.exec.Execute(ctx, request.Input{
		AppID:     app.Ctx.AppID,
		Base:      app.Def.Base,
		Call:      def.Token,
		Scope:     scope,
		Evaluator: app.Ev,
	})
	if err != nil {
		return nil, credentialFailure(err)
	}
	data := asAnyMap(res.Data)
	if len(data) == 0 {
		return nil, core.NewConfigurationError("connections."+connectionID+".token.response.data",
			"token call produced no credential data")
	}

	now := m.now()
	inst := &core.ConnectionInstance{
		ID:           uuid.NewString(),
		AppID:        app.Ctx.AppID,
		ConnectionID: connectionID,
		Data:         data,
		Parameters:   params,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.conns.Put(ctx, inst); err != nil {
		return nil, err
	}
	m.logger.Info("oauth exchange completed",
		zap.String("app", app.Ctx.AppID),
		zap.String("connection", connectionID),
		zap.String("instance", inst.ID),
	)
	return inst, nil
}

func scopeSeparator(def *appdef.ConnectionDefinition) string {
	if def.ScopeSeparator != "" {
		return def.ScopeSeparator
	}
	return " "
}
