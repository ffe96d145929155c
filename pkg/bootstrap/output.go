package bootstrap

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// PrintBootstrapResult writes the created account to w. The password is
// shown only when it was generated.
func PrintBootstrapResult(w io.Writer, result *AdminBootstrapResult) {
	if result == nil || !result.UserCreated {
		return
	}

	border := strings.Repeat("=", 80)
	fmt.Fprintf(w, "\n%s\nADMIN BOOTSTRAP COMPLETED\n%s\n", border, border)
	fmt.Fprintf(w, "  Email:     %s\n", result.Email)
	fmt.Fprintf(w, "  User ID:   %s\n", result.UserID)
	fmt.Fprintf(w, "  Role:      %s\n", result.Role)
	if result.PasswordFromEnv {
		fmt.Fprintln(w, "  Password:  (configured via ADMIN_PASSWORD environment variable)")
		fmt.Fprintln(w, "\n  Remove ADMIN_PASSWORD from the environment after first login.")
	} else {
		fmt.Fprintf(w, "  Password:  %s\n", result.Password)
		fmt.Fprintln(w, "\n  THIS PASSWORD WILL NOT BE DISPLAYED AGAIN - SAVE IT NOW!")
	}
	fmt.Fprintf(w, "%s\n\n", border)
}

// LogBootstrapSummary logs the result without the password
func LogBootstrapSummary(result *AdminBootstrapResult) {
	if result == nil || !result.UserCreated {
		return
	}
	slog.Info("Admin bootstrap summary",
		"admin_email", result.Email,
		"user_id", result.UserID,
		"role", result.Role,
		"password_from_env", result.PasswordFromEnv,
	)
}
