package catalog

const (
	mib = 1024 * 1024
	gib = 1024 * mib
)

// Defaults returns the built-in environment types.
func Defaults() []EnvironmentType {
	return []EnvironmentType{
		{
			ID:          "ubuntu-base",
			Name:        "Ubuntu Base",
			Description: "Minimal Ubuntu host reachable over SSH for Linux fundamentals.",
			Image:       "lscr.io/linuxserver/openssh-server:latest",
			Env: map[string]string{
				"PUID":            "1000",
				"PGID":            "1000",
				"TZ":              "Etc/UTC",
				"PASSWORD_ACCESS": "true",
				"SUDO_ACCESS":     "true",
			},
			Ports:        []string{"2222/tcp"},
			AccessPort:   "2222/tcp",
			AccessScheme: "ssh",
			Limits:       ResourceLimits{MemoryBytes: 512 * mib, CPUs: 0.5, PIDs: 256},
			Credentials: CredentialSpec{
				Username:    "student",
				UsernameEnv: "USER_NAME",
				PasswordEnv: "USER_PASSWORD",
			},
		},
		{
			ID:           "kali-linux",
			Name:         "Kali Linux Desktop",
			Description:  "Kali rolling desktop in the browser with the standard offensive toolset.",
			Image:        "kasmweb/kali-rolling-desktop:1.15.0",
			Env:          map[string]string{"VNCOPTIONS": "-disableBasicAuth"},
			Ports:        []string{"6901/tcp"},
			AccessPort:   "6901/tcp",
			AccessScheme: "https",
			Limits:       ResourceLimits{MemoryBytes: 2 * gib, CPUs: 1, PIDs: 1024},
			Credentials: CredentialSpec{
				Username:    "kasm_user",
				PasswordEnv: "VNC_PW",
			},
		},
		{
			ID:           "web-vulnerable",
			Name:         "Vulnerable Web Application",
			Description:  "DVWA instance for practising web exploitation.",
			Image:        "vulnerables/web-dvwa:latest",
			Ports:        []string{"80/tcp"},
			AccessPort:   "80/tcp",
			AccessScheme: "http",
			Limits:       ResourceLimits{MemoryBytes: 512 * mib, CPUs: 0.5, PIDs: 256},
			Credentials: CredentialSpec{
				Username:       "admin",
				StaticPassword: "password",
			},
		},
	}
}

// Default builds the catalog from the built-in entries.
func Default() *Catalog {
	c, err := New(Defaults()...)
	if err != nil {
		panic("catalog: invalid built-in defaults: " + err.Error())
	}
	return c
}
