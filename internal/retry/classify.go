package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"possync/internal/gateway/broker"
)

type Category string

const (
	CategoryConnection       Category = "connection"
	CategoryRateLimit        Category = "rate_limit"
	CategoryNoData           Category = "no_data"
	CategoryContractNotFound Category = "contract_not_found"
	CategoryAuth             Category = "auth"
	CategoryUnknown          Category = "unknown"
)

// Retryable reports the fixed retry policy of a category.
func (c Category) Retryable() bool {
	switch c {
	case CategoryContractNotFound, CategoryAuth:
		return false
	default:
		return true
	}
}

type Classification struct {
	Category  Category `json:"category"`
	Retryable bool     `json:"retryable"`
}

func classified(c Category) Classification {
	return Classification{Category: c, Retryable: c.Retryable()}
}

var codeTable = map[int]Category{
	broker.CodePacingViolation:    CategoryRateLimit,
	broker.CodeHistoricalData:     CategoryNoData,
	broker.CodeNoSecurityDef:      CategoryContractNotFound,
	broker.CodeNotSubscribed:      CategoryNoData,
	broker.CodeNotConnected:       CategoryConnection,
	broker.CodeNotConnectedUpdate: CategoryConnection,
	broker.CodeConnectivityLost:   CategoryConnection,
	broker.CodeCompetingSession:   CategoryAuth,
}

// messagePatterns is consulted only when an error carries no code. Order
// matters: the first matching pattern wins.
var messagePatterns = []struct {
	needle   string
	category Category
}{
	{"no security definition", CategoryContractNotFound},
	{"contract not found", CategoryContractNotFound},
	{"unauthorized", CategoryAuth},
	{"not authenticated", CategoryAuth},
	{"forbidden", CategoryAuth},
	{"pacing violation", CategoryRateLimit},
	{"rate limit", CategoryRateLimit},
	{"too many requests", CategoryRateLimit},
	{"not subscribed", CategoryNoData},
	{"no market data", CategoryNoData},
	{"no data", CategoryNoData},
	{"not connected", CategoryConnection},
	{"connection", CategoryConnection},
	{"timeout", CategoryConnection},
	{"timed out", CategoryConnection},
	{"eof", CategoryConnection},
}

// Classify maps a broker-boundary failure to a category. Structured codes are
// checked first, then transport-level errors, then message patterns.
func Classify(err error) Classification {
	if err == nil {
		return classified(CategoryUnknown)
	}
	var be *broker.Error
	if errors.As(err, &be) {
		if c, ok := codeTable[be.Code]; ok {
			return classified(c)
		}
		if c, ok := categoryForStatus(be.HTTPStatus); ok {
			return classified(c)
		}
	}
	if errors.Is(err, broker.ErrNotConnected) || errors.Is(err, broker.ErrStreamClosed) ||
		errors.Is(err, context.DeadlineExceeded) {
		return classified(CategoryConnection)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return classified(CategoryConnection)
	}
	msg := strings.ToLower(err.Error())
	for _, p := range messagePatterns {
		if strings.Contains(msg, p.needle) {
			return classified(p.category)
		}
	}
	return classified(CategoryUnknown)
}

func categoryForStatus(status int) (Category, bool) {
	switch {
	case status == 0:
		return "", false
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CategoryAuth, true
	case status == http.StatusNotFound:
		return CategoryContractNotFound, true
	case status == http.StatusTooManyRequests:
		return CategoryRateLimit, true
	case status >= 500:
		return CategoryConnection, true
	default:
		return "", false
	}
}
