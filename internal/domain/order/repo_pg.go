package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const orderColumns = `id, order_number, vendor_order_ref, patient_id, items, shipping, status, prior_status, tracking_number, tracking_url, notes, last_event_at, ordered_at, shipped_at, delivered_at, status_changed_at, history, version, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, o *Order) error {
	items, shipping, history, err := marshalOrderJSON(o)
	if err != nil {
		return err
	}
	if o.Version == 0 {
		o.Version = 1
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO device_order (id, order_number, vendor_order_ref, patient_id, items, shipping, status, prior_status, tracking_number, tracking_url, notes, last_event_at, ordered_at, shipped_at, delivered_at, status_changed_at, history, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW(), NOW())`,
		o.ID, o.OrderNumber, o.VendorOrderRef, o.PatientID, items, shipping, o.Status, o.PriorStatus,
		o.TrackingNumber, o.TrackingURL, o.Notes, o.LastEventAt, o.OrderedAt, o.ShippedAt, o.DeliveredAt,
		o.StatusChangedAt, history, o.Version,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	return r.getBy(ctx, "id = $1", id)
}

func (r *PGRepository) GetByNumber(ctx context.Context, number string) (*Order, error) {
	return r.getBy(ctx, "order_number = $1", number)
}

func (r *PGRepository) GetByVendorRef(ctx context.Context, ref string) (*Order, error) {
	return r.getBy(ctx, "vendor_order_ref = $1", ref)
}

func (r *PGRepository) getBy(ctx context.Context, where string, arg interface{}) (*Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM device_order WHERE `+where, arg)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (r *PGRepository) Update(ctx context.Context, o *Order, expectedVersion int) error {
	items, shipping, history, err := marshalOrderJSON(o)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE device_order
		SET vendor_order_ref = $2, items = $3, shipping = $4, status = $5, prior_status = $6,
		    tracking_number = $7, tracking_url = $8, notes = $9, last_event_at = $10,
		    shipped_at = $11, delivered_at = $12, status_changed_at = $13, history = $14,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $15`,
		o.ID, o.VendorOrderRef, items, shipping, o.Status, o.PriorStatus,
		o.TrackingNumber, o.TrackingURL, o.Notes, o.LastEventAt,
		o.ShippedAt, o.DeliveredAt, o.StatusChangedAt, history, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, o.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	o.Version = expectedVersion + 1
	return nil
}

func (r *PGRepository) List(ctx context.Context, filter Filter) ([]*Order, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argn := 0
	if filter.Status != "" {
		argn++
		where += fmt.Sprintf(" AND status = $%d", argn)
		args = append(args, filter.Status)
	}
	if filter.PatientID != nil {
		argn++
		where += fmt.Sprintf(" AND patient_id = $%d", argn)
		args = append(args, *filter.PatientID)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM device_order`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	query := `SELECT ` + orderColumns + ` FROM device_order` + where + ` ORDER BY ordered_at DESC`
	if filter.Limit > 0 {
		argn++
		query += fmt.Sprintf(" LIMIT $%d", argn)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		argn++
		query += fmt.Sprintf(" OFFSET $%d", argn)
		args = append(args, filter.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, total, rows.Err()
}

func marshalOrderJSON(o *Order) (items, shipping, history []byte, err error) {
	if items, err = json.Marshal(o.Items); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal items: %w", err)
	}
	if shipping, err = json.Marshal(o.Shipping); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal shipping: %w", err)
	}
	if history, err = json.Marshal(o.History); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal history: %w", err)
	}
	return items, shipping, history, nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var items, shipping, history []byte
	err := row.Scan(&o.ID, &o.OrderNumber, &o.VendorOrderRef, &o.PatientID, &items, &shipping,
		&o.Status, &o.PriorStatus, &o.TrackingNumber, &o.TrackingURL, &o.Notes, &o.LastEventAt,
		&o.OrderedAt, &o.ShippedAt, &o.DeliveredAt, &o.StatusChangedAt, &history, &o.Version,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return nil, fmt.Errorf("unmarshal items: %w", err)
		}
	}
	if len(shipping) > 0 {
		if err := json.Unmarshal(shipping, &o.Shipping); err != nil {
			return nil, fmt.Errorf("unmarshal shipping: %w", err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &o.History); err != nil {
			return nil, fmt.Errorf("unmarshal history: %w", err)
		}
	}
	return &o, nil
}
