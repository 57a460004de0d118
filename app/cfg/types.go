package cfg

type Cfg struct {
	// Ledger
	DBPath string

	// Feed
	FeedURL      string
	FetchTimeout int // seconds

	// Calendar
	CalendarBackend string
	CalendarID      string
	CredentialsPath string
	ICSPath         string

	// Oracle
	AnthropicAPIKey string
	OracleURL       string

	// Run artifacts and policy
	LogDir     string
	PolicyPath string

	// Serve mode
	Port         string
	APIAccessKey string
	Schedule     string

	// Application metadata
	UserAgent string
	Timezone  string
	Debug     bool
	Version   string
}

const (
	BackendGoogle = "google"
	BackendICS    = "ics"
)
