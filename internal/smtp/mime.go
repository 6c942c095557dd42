package smtp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"

	"telemail/backend/internal/domain"
)

// parsedBody 收集解析过程中提取到的正文内容。
type parsedBody struct {
	text        string
	html        string
	attachments []*domain.Attachment
}

// Parse 解析原始邮件字节流，提取发件人、主题、正文与附件。
//
// 收件地址由 SMTP 信封决定，不从 To 头读取，调用方负责填充。
func Parse(rawEmail []byte) (*domain.InboundMessage, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(rawEmail))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	body := &parsedBody{attachments: make([]*domain.Attachment, 0)}

	contentType := msg.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// 没有 Content-Type 或解析失败，当作纯文本处理
		raw, _ := io.ReadAll(msg.Body)
		body.text = string(raw)
	} else if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message without boundary")
		}
		mr := multipart.NewReader(msg.Body, boundary)
		if err := parseMultipart(mr, body); err != nil {
			return nil, fmt.Errorf("parse multipart: %w", err)
		}
	} else {
		decoded, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		if strings.HasPrefix(mediaType, "text/html") {
			body.html = decoded
		} else {
			body.text = decoded
		}
	}

	text := body.text
	if text == "" {
		text = body.html
	}

	date, err := msg.Header.Date()
	if err != nil {
		date = time.Now().UTC()
	}

	return &domain.InboundMessage{
		FromName:    senderDisplay(msg.Header.Get("From")),
		Subject:     decodeHeader(msg.Header.Get("Subject")),
		Text:        text,
		Date:        date,
		Attachments: body.attachments,
	}, nil
}

// senderDisplay 提取发件人的展示名称：优先显示名，其次裸地址。
func senderDisplay(from string) string {
	from = decodeHeader(strings.TrimSpace(from))
	if from == "" {
		return ""
	}
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return from
	}
	if addr.Name != "" {
		return addr.Name
	}
	return addr.Address
}

// parseMultipart 递归解析多部分邮件。
func parseMultipart(mr *multipart.Reader, body *parsedBody) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		contentType := part.Header.Get("Content-Type")
		mediaType, params, err := mime.ParseMediaType(contentType)
		if err != nil {
			mediaType = "text/plain"
		}

		// 附件判定看 Content-Disposition
		disposition := part.Header.Get("Content-Disposition")
		if disposition != "" {
			dispType, dispParams, _ := mime.ParseMediaType(disposition)
			if dispType == "attachment" || dispType == "inline" {
				if att := readAttachment(part, mediaType, params, dispParams); att != nil {
					body.attachments = append(body.attachments, att)
				}
				continue
			}
		}

		// 嵌套的 multipart
		if strings.HasPrefix(mediaType, "multipart/") {
			boundary := params["boundary"]
			if boundary != "" {
				nested := multipart.NewReader(part, boundary)
				if err := parseMultipart(nested, body); err != nil {
					return err
				}
			}
			continue
		}

		text, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			continue
		}

		if strings.HasPrefix(mediaType, "text/html") {
			if body.html == "" {
				body.html = text
			}
		} else if strings.HasPrefix(mediaType, "text/plain") {
			if body.text == "" {
				body.text = text
			}
		}
	}

	return nil
}

// readAttachment 读取并解码单个附件部分，读取失败时返回 nil。
func readAttachment(part *multipart.Part, mediaType string, params, dispParams map[string]string) *domain.Attachment {
	filename := dispParams["filename"]
	if filename == "" {
		filename = params["name"]
	}
	if filename == "" {
		filename = "unnamed"
	}
	filename = decodeHeader(filename)

	content, err := io.ReadAll(part)
	if err != nil {
		return nil
	}

	if strings.EqualFold(strings.TrimSpace(part.Header.Get("Content-Transfer-Encoding")), "base64") {
		if decoded, err := base64.StdEncoding.DecodeString(string(content)); err == nil {
			content = decoded
		}
	}

	return &domain.Attachment{
		ID:          uuid.NewString(),
		Filename:    filename,
		ContentType: mediaType,
		Size:        int64(len(content)),
		Content:     content,
	}
}

// decodeBody 根据传输编码与字符集解码邮件体。
func decodeBody(reader io.Reader, transferEncoding string, charset string) (string, error) {
	transferEncoding = strings.ToLower(strings.TrimSpace(transferEncoding))

	var decoded io.Reader
	switch transferEncoding {
	case "base64":
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		decoded = quotedprintable.NewReader(reader)
	default:
		// 7bit/8bit/binary 或未知编码，直接读取
		decoded = reader
	}

	body, err := io.ReadAll(decoded)
	if err != nil {
		return "", err
	}

	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset != "" && charset != "utf-8" && charset != "us-ascii" {
		if enc := getCharsetEncoding(charset); enc != nil {
			converted, _, err := transform.Bytes(enc.NewDecoder(), body)
			if err == nil {
				body = converted
			}
		}
	}

	return string(body), nil
}

// getCharsetEncoding 根据字符集名称返回编码器
func getCharsetEncoding(charset string) encoding.Encoding {
	switch charset {
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.GBK
	case "big5":
		return traditionalchinese.Big5
	case "iso-2022-jp", "shift_jis", "euc-jp":
		return japanese.ShiftJIS
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	default:
		return nil
	}
}

func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoder := new(mime.WordDecoder)
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
