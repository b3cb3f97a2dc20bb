package models

// Device 集线器设备注册表记录
// 全量替换更新：每次同步/变更都覆盖整条记录，不做字段级合并
type Device struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	SwVersion    string `json:"sw_version,omitempty"`
	AreaID       string `json:"area_id,omitempty"`
}

// Entity 集线器实体注册表记录
type Entity struct {
	EntityID string `json:"entity_id"`
	DeviceID string `json:"device_id,omitempty"`
	Platform string `json:"platform,omitempty"`
	AreaID   string `json:"area_id,omitempty"`
	Disabled string `json:"disabled_by,omitempty"`
}

// Domain 返回实体ID中点号前的域名部分
func (e *Entity) Domain() string {
	for i := 0; i < len(e.EntityID); i++ {
		if e.EntityID[i] == '.' {
			return e.EntityID[:i]
		}
	}
	return ""
}

// Area 集线器区域注册表记录
type Area struct {
	ID   string `json:"area_id"`
	Name string `json:"name"`
}
