package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	SignalsAccepted             Counter
	SignalsBlocked              Counter
	OrdersPlaced                Counter
	OrdersFailed                Counter
	ProtectionPlaced            Counter
	ProtectionLatencyViolations Counter
	EmergencyFlattens           Counter
	FlipViolations              Counter
	Escalations                 Counter
	WatchdogTimeouts            Counter
	ReconcileFailures           Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		SignalsAccepted:             n,
		SignalsBlocked:              n,
		OrdersPlaced:                n,
		OrdersFailed:                n,
		ProtectionPlaced:            n,
		ProtectionLatencyViolations: n,
		EmergencyFlattens:           n,
		FlipViolations:              n,
		Escalations:                 n,
		WatchdogTimeouts:            n,
		ReconcileFailures:           n,
	}
}
