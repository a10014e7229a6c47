package types

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// TargetStatus is the last observed reachability of a target.
type TargetStatus string

const (
	TargetStatusUnknown TargetStatus = "unknown"
	TargetStatusActive  TargetStatus = "active"
	TargetStatusError   TargetStatus = "error"
)

const (
	DefaultSSHPort   = 22
	DefaultConfigDir = "/etc/nginx"
	DefaultTLSDir    = "/etc/letsencrypt"
)

// Target represents one managed host running the reverse proxy.
type Target struct {
	ID       string       `json:"id"       yaml:"id"`
	Name     string       `json:"name"     yaml:"name"`
	Address  string       `json:"address"  yaml:"address"`
	Port     int          `json:"port"     yaml:"port,omitempty"`
	User     string       `json:"user"     yaml:"user"`
	Key      string       `json:"-"        yaml:"key,omitempty"`      // PEM private key material
	KeyPath  string       `json:"-"        yaml:"key_path,omitempty"` // read into Key on import
	Password string       `json:"-"        yaml:"password,omitempty"` // literal or keyring:<service>
	Status   TargetStatus `json:"status"   yaml:"-"`

	ConfigDir string `json:"config_dir" yaml:"config_dir,omitempty"`
	TLSDir    string `json:"tls_dir"    yaml:"tls_dir,omitempty"`

	LastCheck *time.Time `json:"last_check,omitempty" yaml:"-"`
	CreatedAt time.Time  `json:"created_at"           yaml:"-"`
	UpdatedAt time.Time  `json:"updated_at"           yaml:"-"`
}

// SSHAddr returns host:port, defaulting the port to 22.
func (t Target) SSHAddr() string {
	port := t.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return fmt.Sprintf("%s:%d", t.Address, port)
}

// ConnKey identifies the connection parameters of a target. A cached session
// whose ConnKey no longer matches the target is stale.
func (t Target) ConnKey() string {
	return fmt.Sprintf("%s@%s", t.User, t.SSHAddr())
}

func (t Target) configDir() string {
	if t.ConfigDir == "" {
		return DefaultConfigDir
	}
	return strings.TrimRight(t.ConfigDir, "/")
}

func (t Target) tlsDir() string {
	if t.TLSDir == "" {
		return DefaultTLSDir
	}
	return strings.TrimRight(t.TLSDir, "/")
}

// MainConfigPath is where the main proxy document lives on the target.
func (t Target) MainConfigPath() string { return path.Join(t.configDir(), "nginx.conf") }

// AvailableDir holds the canonical rendered site documents.
func (t Target) AvailableDir() string { return path.Join(t.configDir(), "sites-available") }

// EnabledDir holds the activation entries the proxy actually loads.
func (t Target) EnabledDir() string { return path.Join(t.configDir(), "sites-enabled") }

// AvailablePath returns the canonical path for a site document.
func (t Target) AvailablePath(name string) string {
	return path.Join(t.AvailableDir(), SiteFileName(name))
}

// EnabledPath returns the activation path for a site document.
func (t Target) EnabledPath(name string) string {
	return path.Join(t.EnabledDir(), SiteFileName(name))
}

// CertificatePaths returns the certificate chain and private key paths of a
// certificate lineage. See [RoutingRule.Lineage].
func (t Target) CertificatePaths(lineage string) (cert, key string) {
	live := path.Join(t.tlsDir(), "live", lineage)
	return path.Join(live, "fullchain.pem"), path.Join(live, "privkey.pem")
}

// SiteFileName maps a rule name to its site document file name.
func SiteFileName(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

var hostnameRegex = regexp.MustCompile(`^(\*\.)?([A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?\.)*[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)

// ValidateRuleName rejects anything that is not a hostname, optionally with
// a leading wildcard label. Rule names end up in file paths and in remote
// commands run as root.
func ValidateRuleName(name string) error {
	if len(name) > 253 || !hostnameRegex.MatchString(name) {
		return fmt.Errorf("rule name %q is not a hostname: %w", name, ErrInvalidArgument)
	}
	return nil
}

// RoutingRule maps a public name to an upstream address. CertName is the
// certificate lineage the rule was last issued under.
type RoutingRule struct {
	ID           string    `json:"id"                  yaml:"id"`
	Name         string    `json:"name"                yaml:"name"`
	UpstreamAddr string    `json:"upstream_addr"       yaml:"upstream_addr"`
	UpstreamPort int       `json:"upstream_port"       yaml:"upstream_port,omitempty"`
	TLSEnabled   bool      `json:"tls_enabled"         yaml:"tls_enabled"`
	TLSStatus    TLSStatus `json:"tls_status"          yaml:"-"`
	CertName     string    `json:"cert_name,omitempty" yaml:"-"`
	CreatedAt    time.Time `json:"created_at"          yaml:"-"`
	UpdatedAt    time.Time `json:"updated_at"          yaml:"-"`
}

// Lineage names the directory under <tls_dir>/live holding the rule's
// certificate. Names issued together share one lineage; a rule never issued
// uses its own name.
func (r RoutingRule) Lineage() string {
	if r.CertName != "" {
		return r.CertName
	}
	return r.Name
}

// TLSStatus tracks certificate issuance for a routing rule.
type TLSStatus string

const (
	TLSStatusPending TLSStatus = "pending"
	TLSStatusActive  TLSStatus = "active"
	TLSStatusError   TLSStatus = "error"
)

// Group attaches routing rules to targets.
type Group struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Targets []string `yaml:"targets"`
	Rules   []string `yaml:"rules"`
}

// Inventory is the YAML seed format for targets, rules and groups.
type Inventory struct {
	Targets []Target      `yaml:"targets"`
	Rules   []RoutingRule `yaml:"rules"`
	Groups  []Group       `yaml:"groups"`
}

// DeploymentStatus is the lifecycle state of a DeploymentRecord.
type DeploymentStatus string

const (
	DeploymentPending  DeploymentStatus = "pending"
	DeploymentDeployed DeploymentStatus = "deployed"
	DeploymentError    DeploymentStatus = "error"
)

// Terminal reports whether no further transition is allowed.
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentDeployed || s == DeploymentError
}

// Artifacts is the rendered output for one target.
type Artifacts struct {
	Main  string            `json:"main"`
	Sites map[string]string `json:"sites"`
}

// DeploymentRecord is one attempt to push configuration to a target.
type DeploymentRecord struct {
	ID        string           `json:"id"`
	TargetID  string           `json:"target_id"`
	Artifacts Artifacts        `json:"artifacts"`
	Status    DeploymentStatus `json:"status"`
	Detail    string           `json:"detail,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Outcome classifies an audit log entry.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeWarning Outcome = "warning"
	OutcomeError   Outcome = "error"
	OutcomePending Outcome = "pending"
)

// Audit actions written by the core.
const (
	ActionConnectivityCheck = "connectivity_check"
	ActionCommandExecution  = "command_execution"
	ActionFileCreation      = "file_creation"
	ActionProxyDeployment   = "proxy_deployment"
	ActionInstallService    = "install_nginx"
	ActionSSLSetup          = "ssl_setup"
)

// AuditLogEntry records one operation against a target.
type AuditLogEntry struct {
	ID        int64     `json:"id"`
	TargetID  string    `json:"target_id"`
	Action    string    `json:"action"`
	Outcome   Outcome   `json:"outcome"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// StepStatus classifies the result of one orchestration step.
type StepStatus string

const (
	StepOK        StepStatus = "ok"
	StepRetryable StepStatus = "retryable"
	StepTerminal  StepStatus = "terminal"
)

// StepResult is what each remote step returns.
type StepResult struct {
	Step    string     `json:"step"`
	Status  StepStatus `json:"status"`
	Changed bool       `json:"changed"`
	Msg     string     `json:"msg"`
	Err     error      `json:"-"`
}

// Failed reports whether the step did not succeed.
func (r StepResult) Failed() bool { return r.Status != StepOK }

// OK builds a successful step result.
func OK(step string, changed bool, msg string) StepResult {
	return StepResult{Step: step, Status: StepOK, Changed: changed, Msg: msg}
}

// Retryable builds a step result that may succeed if run again.
func Retryable(step string, err error) StepResult {
	return StepResult{Step: step, Status: StepRetryable, Msg: err.Error(), Err: err}
}

// Terminal builds a step result that fails the unit of work.
func Terminal(step string, err error) StepResult {
	return StepResult{Step: step, Status: StepTerminal, Msg: err.Error(), Err: err}
}
