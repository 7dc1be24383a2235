package identitystore

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// HTTPHandler exposes the virtual store over HTTP, following the gin +
// validator handler shape used by internal/directory/api.go.
type HTTPHandler struct {
	store    *VirtualStore
	logger   *zap.Logger
	validate *validator.Validate

	// tokenSigningKey signs the JWT minted on a successful Authenticate
	// call. nil disables token minting; Authenticate still succeeds and
	// reports the authenticated user without a token.
	tokenSigningKey []byte
	tokenIssuer     string
}

// NewHTTPHandler builds an HTTPHandler over an already-assembled store.
func NewHTTPHandler(store *VirtualStore, logger *zap.Logger, tokenSigningKey []byte, tokenIssuer string) *HTTPHandler {
	return &HTTPHandler{
		store:           store,
		logger:          logger,
		validate:        validator.New(),
		tokenSigningKey: tokenSigningKey,
		tokenIssuer:     tokenIssuer,
	}
}

// RegisterRoutes wires the federation operations table (spec.md §6) onto
// router, scoped under a domain path parameter.
func (h *HTTPHandler) RegisterRoutes(router *gin.Engine) {
	domains := router.Group("/domains/:domain")
	{
		domains.GET("/users/:id", h.getUser)
		domains.GET("/users", h.listUsers)
		domains.POST("/users", h.addUser)
		domains.POST("/users/bulk", h.addUsers)
		domains.PUT("/users/:id/claims", h.updateUserClaims)
		domains.DELETE("/users/:id", h.deleteUser)
		domains.GET("/users/:id/claims", h.getClaims)
		domains.GET("/users/:id/groups", h.getGroupsOfUser)

		domains.GET("/groups/:id", h.getGroup)
		domains.GET("/groups", h.listGroups)
		domains.POST("/groups", h.addGroup)
		domains.PUT("/groups/:id/claims", h.updateGroupClaims)
		domains.DELETE("/groups/:id", h.deleteGroup)
		domains.GET("/groups/:id/users", h.getUsersOfGroup)
		domains.PUT("/groups/:id/users", h.updateUsersOfGroup)

		domains.POST("/authenticate", h.authenticate)
	}
}

func statusForKind(kind Kind) int {
	switch kind {
	case KindClientError:
		return http.StatusBadRequest
	case KindUserNotFound, KindGroupNotFound:
		return http.StatusNotFound
	case KindDomainError:
		return http.StatusBadRequest
	case KindAuthenticationFailure:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPHandler) fail(c *gin.Context, err error) {
	kind := KindOf(err)
	h.logger.Error("identitystore request failed", zap.String("kind", string(kind)), zap.Error(err))
	c.JSON(statusForKind(kind), gin.H{"error": err.Error(), "kind": kind})
}

type claimDTO struct {
	DialectURI string `json:"dialect_uri"`
	ClaimURI   string `json:"claim_uri" validate:"required"`
	Value      string `json:"value"`
}

func toClaims(in []claimDTO) []Claim {
	out := make([]Claim, len(in))
	for i, c := range in {
		out[i] = Claim{DialectURI: c.DialectURI, ClaimURI: c.ClaimURI, Value: c.Value}
	}
	return out
}

func fromClaims(in []Claim) []claimDTO {
	out := make([]claimDTO, len(in))
	for i, c := range in {
		out[i] = claimDTO{DialectURI: c.DialectURI, ClaimURI: c.ClaimURI, Value: c.Value}
	}
	return out
}

type credentialDTO struct {
	Type     string            `json:"type" validate:"required"`
	Value    string            `json:"value" validate:"required"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func toCredentials(in []credentialDTO) []Credential {
	out := make([]Credential, len(in))
	for i, c := range in {
		out[i] = Credential{Type: c.Type, Value: c.Value, Metadata: c.Metadata}
	}
	return out
}

func (h *HTTPHandler) getUser(c *gin.Context) {
	user, err := h.store.GetUser(c.Request.Context(), c.Param("id"), c.Param("domain"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logical_id": user.LogicalID, "domain": user.DomainName})
}

func (h *HTTPHandler) listUsers(c *gin.Context) {
	offset, length := pageParams(c)
	users, err := h.store.ListUsers(c.Request.Context(), offset, length, c.Param("domain"))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]gin.H, len(users))
	for i, u := range users {
		out[i] = gin.H{"logical_id": u.LogicalID, "domain": u.DomainName}
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

func pageParams(c *gin.Context) (offset, length int) {
	offset = 0
	length = 50
	if v := c.Query("offset"); v != "" {
		if parsed, err := parseNonNegativeInt(v); err == nil {
			offset = parsed
		}
	}
	if v := c.Query("length"); v != "" {
		if parsed, err := parseNonNegativeInt(v); err == nil {
			length = parsed
		}
	}
	return offset, length
}

func parseNonNegativeInt(s string) (int, error) {
	var n int
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, &Error{Kind: KindClientError, Message: "invalid integer: " + s}
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

type addUserRequest struct {
	Claims      []claimDTO      `json:"claims"`
	Credentials []credentialDTO `json:"credentials"`
}

func (h *HTTPHandler) addUser(c *gin.Context) {
	var req addUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, ErrClient(err.Error()))
		return
	}
	user, err := h.store.AddUser(c.Request.Context(), UserModel{
		Claims:      toClaims(req.Claims),
		Credentials: toCredentials(req.Credentials),
	}, c.Param("domain"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"logical_id": user.LogicalID, "domain": user.DomainName})
}

func (h *HTTPHandler) addUsers(c *gin.Context) {
	var req []addUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, ErrClient(err.Error()))
		return
	}
	models := make([]UserModel, len(req))
	for i, m := range req {
		models[i] = UserModel{Claims: toClaims(m.Claims), Credentials: toCredentials(m.Credentials)}
	}
	users, err := h.store.AddUsers(c.Request.Context(), models, c.Param("domain"))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]gin.H, len(users))
	for i, u := range users {
		out[i] = gin.H{"logical_id": u.LogicalID, "domain": u.DomainName}
	}
	c.JSON(http.StatusCreated, gin.H{"users": out})
}

type updateClaimsRequest struct {
	Claims []claimDTO `json:"claims"`
}

func (h *HTTPHandler) updateUserClaims(c *gin.Context) {
	var req updateClaimsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, ErrClient(err.Error()))
		return
	}
	if err := h.store.UpdateUserClaims(c.Request.Context(), c.Param("id"), toClaims(req.Claims), c.Param("domain")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) deleteUser(c *gin.Context) {
	if err := h.store.DeleteUser(c.Request.Context(), c.Param("id"), c.Param("domain")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) getClaims(c *gin.Context) {
	claims, err := h.store.GetClaims(c.Request.Context(), c.Param("id"), nil, c.Param("domain"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claims": fromClaims(claims)})
}

func (h *HTTPHandler) getGroupsOfUser(c *gin.Context) {
	groups, err := h.store.GetGroupsOfUser(c.Request.Context(), c.Param("id"), c.Param("domain"))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]gin.H, len(groups))
	for i, g := range groups {
		out[i] = gin.H{"logical_id": g.LogicalID, "domain": g.DomainName}
	}
	c.JSON(http.StatusOK, gin.H{"groups": out})
}

func (h *HTTPHandler) getGroup(c *gin.Context) {
	d, err := h.store.resolveDomain(c.Param("domain"))
	if err != nil {
		h.fail(c, err)
		return
	}
	exists, err := d.Resolver().IsGroupExists(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, ErrServer("resolver lookup failed", err))
		return
	}
	if !exists {
		h.fail(c, ErrGroupNotFound("no such group: "+c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"logical_id": c.Param("id"), "domain": d.Name})
}

func (h *HTTPHandler) listGroups(c *gin.Context) {
	offset, length := pageParams(c)
	d, err := h.store.resolveDomain(c.Param("domain"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if length == 0 {
		c.JSON(http.StatusOK, gin.H{"groups": []gin.H{}})
		return
	}
	groups, err := d.Resolver().ListGroups(c.Request.Context(), offset, length)
	if err != nil {
		h.fail(c, ErrServer("list groups failed", err))
		return
	}
	out := make([]gin.H, len(groups))
	for i, g := range groups {
		out[i] = gin.H{"logical_id": g.LogicalID, "domain": d.Name}
	}
	c.JSON(http.StatusOK, gin.H{"groups": out})
}

type addGroupRequest struct {
	Claims []claimDTO `json:"claims"`
}

func (h *HTTPHandler) addGroup(c *gin.Context) {
	var req addGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, ErrClient(err.Error()))
		return
	}
	group, err := h.store.AddGroup(c.Request.Context(), GroupModel{Claims: toClaims(req.Claims)}, c.Param("domain"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"logical_id": group.LogicalID, "domain": group.DomainName})
}

func (h *HTTPHandler) updateGroupClaims(c *gin.Context) {
	var req updateClaimsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, ErrClient(err.Error()))
		return
	}
	if err := h.store.UpdateGroupClaims(c.Request.Context(), c.Param("id"), toClaims(req.Claims), c.Param("domain")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) deleteGroup(c *gin.Context) {
	if err := h.store.DeleteGroup(c.Request.Context(), c.Param("id"), c.Param("domain")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) getUsersOfGroup(c *gin.Context) {
	users, err := h.store.GetUsersOfGroup(c.Request.Context(), c.Param("id"), c.Param("domain"))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]gin.H, len(users))
	for i, u := range users {
		out[i] = gin.H{"logical_id": u.LogicalID, "domain": u.DomainName}
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

type updateUsersOfGroupRequest struct {
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

func (h *HTTPHandler) updateUsersOfGroup(c *gin.Context) {
	var req updateUsersOfGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, ErrClient(err.Error()))
		return
	}
	if err := h.store.UpdateUsersOfGroup(c.Request.Context(), c.Param("id"), req.Add, req.Remove, c.Param("domain")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type authenticateRequest struct {
	Claim      claimDTO      `json:"claim" validate:"required"`
	Credential credentialDTO `json:"credential" validate:"required"`
}

func (h *HTTPHandler) authenticate(c *gin.Context) {
	var req authenticateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, ErrAuthFailure("malformed request"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.fail(c, ErrAuthFailure("malformed request"))
		return
	}

	authCtx, err := h.store.Authenticate(c.Request.Context(),
		Claim{DialectURI: req.Claim.DialectURI, ClaimURI: req.Claim.ClaimURI, Value: req.Claim.Value},
		Credential{Type: req.Credential.Type, Value: req.Credential.Value, Metadata: req.Credential.Metadata},
		c.Param("domain"))
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := gin.H{"logical_id": authCtx.User.LogicalID, "domain": authCtx.User.DomainName}
	if h.tokenSigningKey != nil {
		token, err := h.mintToken(authCtx)
		if err != nil {
			h.logger.Error("failed to mint token", zap.Error(err))
		} else {
			resp["token"] = token
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HTTPHandler) mintToken(authCtx AuthenticationContext) (string, error) {
	claims := jwt.MapClaims{
		"sub": authCtx.User.LogicalID,
		"iss": h.tokenIssuer,
		"iat": authCtx.AuthenticatedAt.Unix(),
		"exp": authCtx.AuthenticatedAt.Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.tokenSigningKey)
}
