package registry

import "errors"

var (
	ErrTicketNotFound        = errors.New("票据不存在或已过期")
	ErrTicketAlreadyConsumed = errors.New("票据已被使用")
	ErrInvalidTicketType     = errors.New("票据类型无效")
	ErrTicketCreation        = errors.New("票据创建失败")
	ErrServiceMismatch       = errors.New("票据与服务不匹配")
	ErrContention            = errors.New("票据并发更新冲突")
)
