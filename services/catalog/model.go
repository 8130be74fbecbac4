package catalog

import (
	"time"

	"gorm.io/datatypes"
)

// Product is one collected catalog entry, keyed by the source-stable product
// code. Re-collection overwrites mutable fields; CollectedAt keeps the first
// sighting and is never rewritten. Products are never deleted by a sync run.
type Product struct {
	ProductCode   string         `gorm:"column:product_code;primaryKey;type:varchar(100)" json:"product_code"`
	SourceID      string         `gorm:"column:source_id;index;not null" json:"source_id"`
	Name          string         `gorm:"column:name;type:varchar(255);not null" json:"name"`
	Price         float64        `gorm:"column:price" json:"price"`
	StockQuantity int            `gorm:"column:stock_quantity" json:"stock_quantity"`
	Category      string         `gorm:"column:category;type:varchar(100);index" json:"category"`
	RawAttributes datatypes.JSON `gorm:"column:raw_attributes" json:"raw_attributes,omitempty"`
	CollectedAt   time.Time      `gorm:"column:collected_at" json:"collected_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at" json:"updated_at"`
}
