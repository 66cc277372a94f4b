package auth

import (
	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/blog_platform/internal/domain"
)

func (g *Guard) AdminOnly(next echo.HandlerFunc) echo.HandlerFunc {
	return g.Require(domain.RoleAdmin)(next)
}
