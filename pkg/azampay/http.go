package azampay

import (
	"context"
	"io"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const maxResponseBytes = 1 << 20

// newRetryingClient builds the HTTP client used for every gateway call:
// RetryMax retries after the first attempt, exponential backoff from waitMin,
// and retries only on transport failures and 500/502/503/504.
func newRetryingClient(timeout time.Duration, retryMax int, waitMin time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = timeout
	client.RetryMax = retryMax
	client.RetryWaitMin = waitMin
	client.RetryWaitMax = waitMin * 8
	client.CheckRetry = retryPolicy
	client.Backoff = exponentialBackoff
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = nil
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			log.Printf("level=warn component=azampay msg=\"retrying gateway request\" method=%s path=%s attempt=%d", req.Method, req.URL.Path, attempt+1)
		}
	}
	return client
}

func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	if err != nil {
		return true, nil
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	default:
		return false, nil
	}
}

func exponentialBackoff(waitMin, waitMax time.Duration, attemptNum int, _ *http.Response) time.Duration {
	wait := time.Duration(math.Pow(2, float64(attemptNum)) * float64(waitMin))
	if wait > waitMax || wait <= 0 {
		return waitMax
	}
	return wait
}

func readBody(resp *http.Response) []byte {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	return body
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
