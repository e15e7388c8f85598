package llm

import (
	"context"
	"net/http"

	"github.com/jxucoder/telerun/apperr"
	"github.com/jxucoder/telerun/model"
)

func wrapTransport(ctx context.Context, provider string, err error) error {
	if ctxErr := apperr.FromContext(ctx, provider+" request"); ctxErr != nil {
		return ctxErr
	}
	return apperr.Wrap(apperr.KindBadGateway, err, "%s request failed", provider)
}

func statusError(provider string, status int, body []byte) error {
	kind := apperr.KindBadGateway
	if status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout {
		kind = apperr.KindUpstreamTimeout
	}
	return apperr.New(kind, "%s API error (%d): %s", provider, status, model.Truncate(string(body), 500))
}
