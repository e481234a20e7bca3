package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ashrun/ash/internal/auth"
	"github.com/ashrun/ash/internal/crypto"
	"github.com/ashrun/ash/pkg/types"
)

type putCredentialRequest struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	AgentName string `json:"agentName"`
}

// putCredential seals the value and stores it. Plaintext never comes back
// out through the API; it only reaches sandbox environments.
func (s *Server) putCredential(c echo.Context) error {
	var req putCredentialRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	if req.Name == "" || req.Value == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name and value are required")
	}

	sealed, err := crypto.Encrypt(req.Value)
	if err != nil {
		return err
	}
	cred, err := s.repo.UpsertCredential(c.Request().Context(), &types.Credential{
		ID:             uuid.NewString(),
		TenantID:       auth.Tenant(c),
		Name:           req.Name,
		AgentName:      req.AgentName,
		EncryptedValue: sealed,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, cred)
}

func (s *Server) listCredentials(c echo.Context) error {
	creds, err := s.repo.ListCredentials(c.Request().Context(), auth.Tenant(c))
	if err != nil {
		return err
	}
	if creds == nil {
		creds = []types.Credential{}
	}
	return c.JSON(http.StatusOK, creds)
}

func (s *Server) deleteCredential(c echo.Context) error {
	if err := s.repo.DeleteCredential(c.Request().Context(), auth.Tenant(c), c.Param("name")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
