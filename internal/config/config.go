package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the immutable per-deployment configuration. It is loaded once
// at startup and passed explicitly; there are no process-wide singletons.
type Config struct {
	Environment string         `json:"environment" yaml:"environment"`
	Server      ServerConfig   `json:"server" yaml:"server"`
	Logging     LoggingConfig  `json:"logging" yaml:"logging"`
	Database    DatabaseConfig `json:"database" yaml:"database"`
	Redis       RedisConfig    `json:"redis" yaml:"redis"`
	MySQL       MySQLConfig    `json:"mysql" yaml:"mysql"`
	Paths       PathsConfig    `json:"paths" yaml:"paths"`
	SSH         SSHConfig      `json:"ssh" yaml:"ssh"`
	Roles       RolesConfig    `json:"roles" yaml:"roles"`
	SMTP        SMTPConfig     `json:"smtp" yaml:"smtp"`
	Chat        ChatConfig     `json:"chat" yaml:"chat"`
	LogShip     LogShipConfig  `json:"logship" yaml:"logship"`
	LDAP        LDAPConfig     `json:"ldap" yaml:"ldap"`
	Crypto      CryptoConfig   `json:"crypto" yaml:"crypto"`
	Render      RenderConfig   `json:"render" yaml:"render"`
	Inactivity  Inactivity     `json:"inactivity" yaml:"inactivity"`

	// APITokens maps bearer tokens to principal names for deployments
	// without an LDAP verifier.
	APITokens map[string]string `json:"apiTokens" yaml:"api_tokens"`

	ProtectedPaths []string `json:"protectedPaths" yaml:"protected_paths"`
	LargeInstances []string `json:"largeInstances" yaml:"large_instances"`
	TestAccounts   []string `json:"testAccounts" yaml:"test_accounts"`

	// AvailableTarget is the desired size of the pending+available pool.
	AvailableTarget int `json:"availableTarget" yaml:"available_target"`

	WebGroup    string `json:"webGroup" yaml:"web_group"`
	ServiceUser string `json:"serviceUser" yaml:"service_user"`
	WebUser     string `json:"webUser" yaml:"web_user"`

	// HomepageFiles is the directory holding the packaged .htaccess and
	// robots.txt installed when the homepage instance launches.
	HomepageFiles string `json:"homepageFiles" yaml:"homepage_files"`
}

type ServerConfig struct {
	BindAddr string `json:"bindAddr" yaml:"bind_addr"`
}

type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
}

type DatabaseConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"dbname" yaml:"dbname"`
	SSLMode  string `json:"sslmode" yaml:"sslmode"`
}

// DSN renders the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type MySQLConfig struct {
	Host          string `json:"host" yaml:"host"`
	Port          int    `json:"port" yaml:"port"`
	AdminUser     string `json:"adminUser" yaml:"admin_user"`
	AdminPassword string `json:"adminPassword" yaml:"admin_password"`
	// AppIPRange scopes per-instance users; "localhost" in the local env.
	AppIPRange string `json:"appIpRange" yaml:"app_ip_range"`
}

// DSN renders the go-sql-driver connection string for the admin account.
func (m MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/", m.AdminUser, m.AdminPassword, m.Host, m.Port)
}

type PathsConfig struct {
	CodeRoot     string `json:"codeRoot" yaml:"code_root"`
	InstanceRoot string `json:"instanceRoot" yaml:"instance_root"`
	WebRoot      string `json:"webRoot" yaml:"web_root"`
	BackupPath   string `json:"backupPath" yaml:"backup_path"`
	NFSMount     string `json:"nfsMount" yaml:"nfs_mount"`
}

type SSHConfig struct {
	User    string `json:"user" yaml:"user"`
	KeyFile string `json:"keyFile" yaml:"key_file"`
	Port    int    `json:"port" yaml:"port"`
}

type RolesConfig struct {
	Webservers    []string `json:"webservers" yaml:"webservers"`
	Operations    string   `json:"operations" yaml:"operations"`
	LoadBalancers []string `json:"loadBalancers" yaml:"load_balancers"`
}

type SMTPConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	From     string `json:"from" yaml:"from"`
}

type ChatConfig struct {
	WebhookURL string `json:"webhookUrl" yaml:"webhook_url"`
	Channel    string `json:"channel" yaml:"channel"`
	// DevChannel receives every post when Environment is "local".
	DevChannel string `json:"devChannel" yaml:"dev_channel"`
}

type LogShipConfig struct {
	URL string `json:"url" yaml:"url"`
}

type LDAPConfig struct {
	Host         string `json:"host" yaml:"host"`
	BaseDN       string `json:"baseDn" yaml:"base_dn"`
	BindUser     string `json:"bindUser" yaml:"bind_user"`
	BindPassword string `json:"bindPassword" yaml:"bind_password"`
}

type CryptoConfig struct {
	Password string `json:"password" yaml:"password"`
	Salt     string `json:"salt" yaml:"salt"`
}

// RenderConfig carries the deployment-wide variables rendered into every
// instance's settings file.
type RenderConfig struct {
	MemcacheServers []string `json:"memcacheServers" yaml:"memcache_servers"`
	DatabaseServers []string `json:"databaseServers" yaml:"database_servers"`
	ProxyTerminals  []string `json:"proxyTerminals" yaml:"proxy_terminals"`
	SAMLSecret      string   `json:"samlSecret" yaml:"saml_secret"`
}

// Inactivity is the warning/takedown policy table, thresholds in days.
type Inactivity struct {
	First    int `json:"first" yaml:"first"`
	Second   int `json:"second" yaml:"second"`
	TakeDown int `json:"takeDown" yaml:"take_down"`
	// MinGap is the minimum number of days between two messages to the
	// same instance.
	MinGap  int    `json:"minGap" yaml:"min_gap"`
	Subject string `json:"subject" yaml:"subject"`
	Message string `json:"message" yaml:"message"`
}

// IsLocal reports whether this deployment is a developer machine.
func (c *Config) IsLocal() bool { return c.Environment == "local" }

// IsProd reports whether this deployment serves production traffic.
func (c *Config) IsProd() bool { return c.Environment == "prod" }

// Load builds the configuration from env vars, optionally overridden by a
// JSON file passed with -f and a YAML roles/policy file from
// ATLAS_ROLES_FILE.
func Load() (*Config, error) {
	configFile := flag.String("f", "", "Path to configuration file")
	flag.Parse()
	return load(*configFile, os.Getenv("ATLAS_ROLES_FILE"))
}

func load(configFile, rolesFile string) (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ATLAS_ENVIRONMENT", "local"),
		Server: ServerConfig{
			BindAddr: getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "debug"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "atlas"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "atlas"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		MySQL: MySQLConfig{
			Host:          getEnv("MYSQL_HOST", "localhost"),
			Port:          getEnvInt("MYSQL_PORT", 3306),
			AdminUser:     getEnv("MYSQL_ADMIN_USER", "root"),
			AdminPassword: getEnv("MYSQL_ADMIN_PASSWORD", ""),
			AppIPRange:    getEnv("MYSQL_APP_IP_RANGE", "localhost"),
		},
		Paths: PathsConfig{
			CodeRoot:     getEnv("ATLAS_CODE_ROOT", "/data/code"),
			InstanceRoot: getEnv("ATLAS_INSTANCE_ROOT", "/data/instances"),
			WebRoot:      getEnv("ATLAS_WEB_ROOT", "/data/web"),
			BackupPath:   getEnv("ATLAS_BACKUP_PATH", "/data/backup"),
			NFSMount:     getEnv("ATLAS_NFS_MOUNT", ""),
		},
		SSH: SSHConfig{
			User:    getEnv("ATLAS_SSH_USER", "atlas"),
			KeyFile: getEnv("ATLAS_SSH_KEY", ""),
			Port:    getEnvInt("ATLAS_SSH_PORT", 22),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "atlas@localhost"),
		},
		Chat: ChatConfig{
			WebhookURL: getEnv("CHAT_WEBHOOK_URL", ""),
			Channel:    getEnv("CHAT_CHANNEL", "#atlas"),
			DevChannel: getEnv("CHAT_DEV_CHANNEL", ""),
		},
		LogShip: LogShipConfig{
			URL: getEnv("LOGSHIP_URL", ""),
		},
		LDAP: LDAPConfig{
			Host:         getEnv("LDAP_HOST", ""),
			BaseDN:       getEnv("LDAP_BASE_DN", ""),
			BindUser:     getEnv("LDAP_BIND_USER", ""),
			BindPassword: getEnv("LDAP_BIND_PASSWORD", ""),
		},
		Crypto: CryptoConfig{
			Password: getEnv("ENCRYPTION_PASSWORD", ""),
			Salt:     getEnv("ENCRYPTION_SALT", ""),
		},
		Render: RenderConfig{
			MemcacheServers: splitEnv("ATLAS_MEMCACHE_SERVERS"),
			DatabaseServers: splitEnv("ATLAS_DATABASE_SERVERS"),
			ProxyTerminals:  splitEnv("ATLAS_PROXY_TERMINALS"),
			SAMLSecret:      getEnv("ATLAS_SAML_SECRET", ""),
		},
		Inactivity: Inactivity{
			First:    getEnvInt("INACTIVITY_FIRST_DAYS", 30),
			Second:   getEnvInt("INACTIVITY_SECOND_DAYS", 55),
			TakeDown: getEnvInt("INACTIVITY_TAKEDOWN_DAYS", 60),
			MinGap:   getEnvInt("INACTIVITY_MIN_GAP_DAYS", 5),
			Subject:  getEnv("INACTIVITY_SUBJECT", "Your site is scheduled for removal"),
			Message:  getEnv("INACTIVITY_MESSAGE", ""),
		},
		ProtectedPaths:  splitEnv("ATLAS_PROTECTED_PATHS"),
		TestAccounts:    splitEnv("ATLAS_TEST_ACCOUNTS"),
		AvailableTarget: getEnvInt("ATLAS_AVAILABLE_TARGET", 5),
		WebGroup:        getEnv("ATLAS_WEB_GROUP", "www-data"),
		ServiceUser:     getEnv("ATLAS_SERVICE_USER", "atlas"),
		WebUser:         getEnv("ATLAS_WEB_USER", "www-data"),
		HomepageFiles:   getEnv("ATLAS_HOMEPAGE_FILES", ""),
		Roles: RolesConfig{
			Webservers: splitEnv("ATLAS_WEBSERVERS"),
			Operations: getEnv("ATLAS_OPERATIONS_HOST", ""),
		},
	}

	if configFile != "" {
		if err := loadJSONFile(cfg, configFile); err != nil {
			return nil, err
		}
	}
	if rolesFile != "" {
		if err := loadRolesFile(cfg, rolesFile); err != nil {
			return nil, err
		}
	}

	// fill reasonable defaults when fields omitted in file
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.AvailableTarget <= 0 {
		cfg.AvailableTarget = 5
	}
	if cfg.IsLocal() {
		cfg.MySQL.AppIPRange = "localhost"
	}
	return cfg, nil
}

func loadJSONFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// rolesFileDoc is the YAML shape of the deployment roles/policy file.
type rolesFileDoc struct {
	Roles          *RolesConfig `yaml:"roles"`
	Inactivity     *Inactivity  `yaml:"inactivity"`
	ProtectedPaths []string     `yaml:"protected_paths"`
	LargeInstances []string     `yaml:"large_instances"`
	TestAccounts   []string     `yaml:"test_accounts"`
}

func loadRolesFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read roles file %s: %w", path, err)
	}
	var doc rolesFileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse roles file %s: %w", path, err)
	}
	if doc.Roles != nil {
		cfg.Roles = *doc.Roles
	}
	if doc.Inactivity != nil {
		cfg.Inactivity = *doc.Inactivity
	}
	if len(doc.ProtectedPaths) > 0 {
		cfg.ProtectedPaths = doc.ProtectedPaths
	}
	if len(doc.LargeInstances) > 0 {
		cfg.LargeInstances = doc.LargeInstances
	}
	if len(doc.TestAccounts) > 0 {
		cfg.TestAccounts = doc.TestAccounts
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func splitEnv(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
