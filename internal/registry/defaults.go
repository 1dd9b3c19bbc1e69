package registry

// DefaultDocument returns the built-in registry used when no registry file is
// configured. The org set is closed: routing only ever targets these 15 codes.
func DefaultDocument() *Document {
	return &Document{
		Orgs: []*Organization{
			{Code: "OS", Name: "BlackRoad OS", Status: StatusActive, Services: []*Service{
				{Name: "bridge", Endpoint: "http://os.mesh.internal:8080/bridge", Type: "rest", Default: true},
				{Name: "status", Endpoint: "http://os.mesh.internal:8080/status", HealthPath: "/health", Type: "rest"},
			}},
			{Code: "AI", Name: "BlackRoad AI", Status: StatusActive, Services: []*Service{
				{Name: "router", Endpoint: "http://ai.mesh.internal:8090/router", Type: "rest", Default: true},
				{Name: "agents", Endpoint: "http://ai.mesh.internal:8090/agents", Type: "rest"},
				{Name: "chat", Endpoint: "http://ai.mesh.internal:8090/chat", Type: "websocket"},
			}},
			{Code: "CLD", Name: "BlackRoad Cloud", Status: StatusActive, Services: []*Service{
				{Name: "objects", Endpoint: "http://cloud.mesh.internal:9000/objects", Type: "rest", Default: true},
				{Name: "db", Endpoint: "http://cloud.mesh.internal:9000/db", Type: "rest"},
			}},
			{Code: "FND", Name: "Foundry CRM", Status: StatusActive, Services: []*Service{
				{Name: "salesforce", Endpoint: "http://fnd.mesh.internal:8100/salesforce", Type: "rest", Provider: "salesforce", Default: true},
				{Name: "pipeline", Endpoint: "http://fnd.mesh.internal:8100/pipeline", Type: "rest"},
			}},
			{Code: "SEC", Name: "Security", Status: StatusActive, Services: []*Service{
				{Name: "vault", Endpoint: "http://sec.mesh.internal:8200/vault", Type: "rest", Default: true},
			}},
			{Code: "INF", Name: "Infrastructure", Status: StatusActive, Services: []*Service{
				{Name: "deploy", Endpoint: "http://inf.mesh.internal:8300/deploy", Type: "rest", Default: true},
				{Name: "nodes", Endpoint: "http://inf.mesh.internal:8300/nodes", Type: "rest"},
			}},
			{Code: "HW", Name: "Hardware", Status: StatusActive, Services: []*Service{
				{Name: "compute", Endpoint: "http://hw.mesh.internal:8400/compute", Type: "grpc", Default: true},
			}},
			{Code: "MV", Name: "Metaverse", Status: StatusPlanned, Services: []*Service{
				{Name: "worlds", Endpoint: "http://mv.mesh.internal:8500/worlds", Type: "websocket", Default: true},
			}},
			{Code: "MED", Name: "Media", Status: StatusActive, Services: []*Service{
				{Name: "streams", Endpoint: "http://med.mesh.internal:8600/streams", Type: "rest", Default: true},
			}},
			{Code: "EDU", Name: "Education", Status: StatusActive, Services: []*Service{
				{Name: "courses", Endpoint: "http://edu.mesh.internal:8700/courses", Type: "rest", Default: true},
			}},
			{Code: "GOV", Name: "Governance", Status: StatusActive, Services: []*Service{
				{Name: "ledger", Endpoint: "http://gov.mesh.internal:8800/ledger", Type: "rest", Default: true},
			}},
			{Code: "DSN", Name: "Design", Status: StatusActive, Services: []*Service{
				{Name: "figma", Endpoint: "http://dsn.mesh.internal:8900/figma", Type: "rest", Provider: "figma", Default: true},
			}},
			{Code: "COM", Name: "Commerce", Status: StatusActive, Services: []*Service{
				{Name: "payments", Endpoint: "http://com.mesh.internal:9100/payments", Type: "rest", Provider: "stripe", Default: true},
			}},
			{Code: "ENT", Name: "Enterprise", Status: StatusActive, Services: []*Service{
				{Name: "sso", Endpoint: "http://ent.mesh.internal:9200/sso", Type: "rest", Default: true},
			}},
			{Code: "LAB", Name: "Labs", Status: StatusPlanned, Services: []*Service{
				{Name: "experiments", Endpoint: "http://lab.mesh.internal:9300/experiments", Type: "rest", Default: true},
			}},
		},
		Rules: []*Rule{
			{Name: "salesforce", Pattern: `\bsalesforce\b`, Org: "FND", Service: "salesforce", Priority: 80},
			{Name: "stripe-payment", Pattern: `\b(stripe|invoice|charge)\b`, Org: "COM", Service: "payments", Priority: 70},
			{Name: "figma-file", Pattern: `\bfigma\b`, Org: "DSN", Service: "figma", Priority: 70},
			{Name: "deployment", Pattern: `\b(deploy|rollout|provision)\b`, Org: "INF", Service: "deploy", Priority: 60},
			{Name: "gpu-compute", Pattern: `\b(gpu|cuda|tensor)\b`, Org: "HW", Service: "compute", Priority: 50},
			{Name: "object-storage", Pattern: `\b(bucket|s3|object store)\b`, Org: "CLD", Service: "objects", Priority: 40},
			{Name: "agent-task", Pattern: `\bagents?\b`, Org: "AI", Service: "agents", Priority: 30},
		},
		Categories: []*Category{
			{Name: "ai", Org: "AI", Service: "router", Keywords: []string{"model", "prompt", "inference", "llm", "embedding"}},
			{Name: "crm", Org: "FND", Service: "salesforce", Keywords: []string{"crm", "contact", "lead", "pipeline", "account"}},
			{Name: "storage", Org: "CLD", Service: "objects", Keywords: []string{"storage", "upload", "download", "backup", "archive"}},
			{Name: "security", Org: "SEC", Service: "vault", Keywords: []string{"secret", "token", "certificate", "encrypt", "vault"}},
			{Name: "infrastructure", Org: "INF", Service: "deploy", Keywords: []string{"server", "cluster", "container", "kubernetes", "terraform"}},
			{Name: "hardware", Org: "HW", Service: "compute", Keywords: []string{"device", "firmware", "sensor", "board", "chip"}},
			{Name: "metaverse", Org: "MV", Service: "worlds", Keywords: []string{"world", "avatar", "scene", "voxel", "portal"}},
			{Name: "media", Org: "MED", Service: "streams", Keywords: []string{"video", "audio", "stream", "transcode", "podcast"}},
			{Name: "education", Org: "EDU", Service: "courses", Keywords: []string{"course", "lesson", "quiz", "student", "tutor"}},
			{Name: "governance", Org: "GOV", Service: "ledger", Keywords: []string{"policy", "vote", "proposal", "compliance", "audit"}},
			{Name: "design", Org: "DSN", Service: "figma", Keywords: []string{"design", "mockup", "wireframe", "palette", "layout"}},
			{Name: "commerce", Org: "COM", Service: "payments", Keywords: []string{"payment", "checkout", "order", "refund", "subscription"}},
			{Name: "enterprise", Org: "ENT", Service: "sso", Keywords: []string{"sso", "saml", "directory", "tenant", "license"}},
			{Name: "experiment", Org: "LAB", Service: "experiments", Keywords: []string{"experiment", "prototype", "benchmark", "trial", "sandbox"}},
		},
	}
}
