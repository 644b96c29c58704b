package request

// RequestRecorder receives one record per Request call, after the last
// attempt.
type RequestRecorder func(record *RequestRecordData)

type RequestRecordData struct {
	Method         string
	Url            string
	QueryParams    string
	RequestHeaders string
	RequestBody    string
	HttpStatusCode int
	ResponseBody   string
	Error          string
	Attempts       int
	Duration       int64
}
