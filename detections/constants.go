package detections

const (
	DefaultInputWidth     = 640
	DefaultInputHeight    = 640
	DefaultConfThreshold  = 0.5
	DefaultIOUThreshold   = 0.45
	DefaultClassifierSize = 28
	DefaultWorkers        = 4
	RetryAttempts         = 3
	RetryDelayMs          = 100
)
