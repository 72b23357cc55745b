// Package roles 定义管理端的封闭角色枚举与权限表。
// 权限判定统一走 Can()，调用方不得散落字符串比较。
package roles

// Role 管理角色
type Role string

const (
	// RoleRoot 平台超级管理员，跨租户
	RoleRoot Role = "root"
	// RoleAdmin 租户管理员
	RoleAdmin Role = "administrator"
	// RoleModerator 租户审核员
	RoleModerator Role = "moderator"
	// RoleUser 普通用户，无管理权限
	RoleUser Role = "simple-user"
)

// Permission 管理操作权限
type Permission string

const (
	PermBanSubject     Permission = "ban_subject"
	PermUnbanSubject   Permission = "unban_subject"
	PermListBans       Permission = "list_bans"
	PermDeleteMessage  Permission = "delete_message"
	PermClearChat      Permission = "clear_chat"
	PermListMessages   Permission = "list_messages"
	PermManagePatterns Permission = "manage_patterns"
	PermManageSettings Permission = "manage_settings"
)

// permissions 权限表是角色语义的唯一真相来源。
var permissions = map[Role]map[Permission]bool{
	RoleRoot: {
		PermBanSubject: true, PermUnbanSubject: true, PermListBans: true,
		PermDeleteMessage: true, PermClearChat: true, PermListMessages: true,
		PermManagePatterns: true, PermManageSettings: true,
	},
	RoleAdmin: {
		PermBanSubject: true, PermUnbanSubject: true, PermListBans: true,
		PermDeleteMessage: true, PermClearChat: true, PermListMessages: true,
		PermManagePatterns: true, PermManageSettings: true,
	},
	RoleModerator: {
		PermBanSubject: true, PermUnbanSubject: true, PermListBans: true,
		PermDeleteMessage: true, PermClearChat: true, PermListMessages: true,
	},
	RoleUser: {},
}

// Valid 判断角色是否在封闭枚举内
func Valid(r Role) bool {
	_, ok := permissions[r]
	return ok
}

// Can 判断角色是否拥有某权限。未知角色一律无权限。
func Can(r Role, p Permission) bool {
	return permissions[r][p]
}

// CrossTenant 是否允许跨租户操作。只有 root 可以。
func CrossTenant(r Role) bool {
	return r == RoleRoot
}
