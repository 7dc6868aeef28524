package model

import "time"

// TicketRecord 持久化信封，各存储后端共用
// Key 为摘要后的票据 ID（列名 id），Payload 为加密（或明文）的 JSON 载荷
type TicketRecord struct {
	Key             string           `gorm:"column:id;type:varchar(255);primaryKey" json:"key"`
	Type            string           `gorm:"type:varchar(64);index;not null" json:"type"`
	StorageName     string           `gorm:"type:varchar(64);index;not null" json:"storageName"`
	Payload         []byte           `gorm:"not null" json:"payload"`
	PrincipalDigest string           `gorm:"type:varchar(255);index" json:"principalDigest,omitempty"`
	ServiceDigest   string           `gorm:"type:varchar(255)" json:"serviceDigest,omitempty"`
	Attributes      []AttributeIndex `gorm:"foreignKey:TicketKey;references:Key;constraint:OnDelete:CASCADE" json:"attributes,omitempty"`
	ExpireAt        *time.Time       `gorm:"index" json:"expireAt,omitempty"`
	Version         int64            `gorm:"not null;default:1" json:"version"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// TableName 指定表名
func (TicketRecord) TableName() string {
	return "tickets"
}

// AttributeIndex 会话属性索引，值已摘要
type AttributeIndex struct {
	ID        uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	TicketKey string `gorm:"type:varchar(255);index;not null" json:"-"`
	Name      string `gorm:"type:varchar(128);index:idx_ticket_attr_name_value;not null" json:"name"`
	Value     string `gorm:"type:varchar(255);index:idx_ticket_attr_name_value;not null" json:"value"`
}

// TableName 指定表名
func (AttributeIndex) TableName() string {
	return "ticket_attributes"
}

// Clone 深拷贝记录，内存后端按值语义保存
func (r *TicketRecord) Clone() *TicketRecord {
	c := *r
	c.Payload = append([]byte(nil), r.Payload...)
	if r.Attributes != nil {
		c.Attributes = append([]AttributeIndex(nil), r.Attributes...)
	}
	if r.ExpireAt != nil {
		t := *r.ExpireAt
		c.ExpireAt = &t
	}
	return &c
}

// MatchesAttributes 键间 AND、键内 OR，值均为摘要
func (r *TicketRecord) MatchesAttributes(query map[string][]string) bool {
	for name, wanted := range query {
		found := false
		for _, attr := range r.Attributes {
			if attr.Name != name {
				continue
			}
			for _, w := range wanted {
				if attr.Value == w {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
