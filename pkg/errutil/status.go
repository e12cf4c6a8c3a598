package errutil

import "net/http"

// CoreStatus is the stable error code surfaced to API clients.
type CoreStatus string

const (
	StatusUnknown              CoreStatus = "UNKNOWN"
	StatusBadRequest           CoreStatus = "BAD_REQUEST"
	StatusUnauthorized         CoreStatus = "UNAUTHORIZED"
	StatusForbidden            CoreStatus = "FORBIDDEN"
	StatusNotFound             CoreStatus = "NOT_FOUND"
	StatusConflict             CoreStatus = "CONFLICT"
	StatusUnprocessableEntity  CoreStatus = "UNPROCESSABLE_ENTITY"
	StatusUnsupportedMediaType CoreStatus = "UNSUPPORTED_MEDIA_TYPE"
	StatusValidationFailed     CoreStatus = "VALIDATION_FAILED"
	StatusTooManyRequests      CoreStatus = "TOO_MANY_REQUESTS"
	StatusClientClosedRequest  CoreStatus = "CLIENT_CLOSED_REQUEST"
	StatusTimeout              CoreStatus = "TIMEOUT"
	StatusGatewayTimeout       CoreStatus = "GATEWAY_TIMEOUT"
	StatusInternal             CoreStatus = "INTERNAL"
	StatusNotImplemented       CoreStatus = "NOT_IMPLEMENTED"
	StatusBadGateway           CoreStatus = "BAD_GATEWAY"
	StatusServiceUnavailable   CoreStatus = "SERVICE_UNAVAILABLE"

	// reward domain
	StatusConcurrency               CoreStatus = "CONCURRENCY_CONFLICT"
	StatusOAuth                     CoreStatus = "OAUTH_FAILED"
	StatusRewardAssignmentFailed    CoreStatus = "REWARD_ASSIGNMENT_FAILED"
	StatusRewardRevocationFailed    CoreStatus = "REWARD_REVOCATION_FAILED"
	StatusProductMappingFailed      CoreStatus = "PRODUCT_MAPPING_FAILED"
	StatusProviderIntegrationFailed CoreStatus = "PROVIDER_INTEGRATION_FAILED"
	StatusWebhookProcessingFailed   CoreStatus = "WEBHOOK_PROCESSING_FAILED"
)

// HTTPStatus maps the CoreStatus onto the closest HTTP status code.
func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusBadRequest, StatusValidationFailed:
		return http.StatusBadRequest
	case StatusUnauthorized, StatusOAuth:
		return http.StatusUnauthorized
	case StatusForbidden:
		return http.StatusForbidden
	case StatusNotFound:
		return http.StatusNotFound
	case StatusConflict, StatusConcurrency:
		return http.StatusConflict
	case StatusUnprocessableEntity, StatusRewardAssignmentFailed, StatusRewardRevocationFailed, StatusProductMappingFailed, StatusWebhookProcessingFailed:
		return http.StatusUnprocessableEntity
	case StatusUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case StatusTooManyRequests:
		return http.StatusTooManyRequests
	case StatusClientClosedRequest:
		return 499
	case StatusTimeout:
		return http.StatusRequestTimeout
	case StatusGatewayTimeout:
		return http.StatusGatewayTimeout
	case StatusNotImplemented:
		return http.StatusNotImplemented
	case StatusBadGateway, StatusProviderIntegrationFailed:
		return http.StatusBadGateway
	case StatusServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
